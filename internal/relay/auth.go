package relay

import (
	"fmt"
	"strings"

	"deskhub/realtime/internal/domain"
)

// TokenAuthenticator resolves a bearer token to a staff identity.
type TokenAuthenticator interface {
	Authenticate(token string) (domain.Participant, error)
}

// StaticTokenAuth is a fixed token table, loaded from configuration as
// "token:userId:displayName" triples separated by commas. Production
// deployments plug in a real identity provider behind the same interface.
type StaticTokenAuth struct {
	users map[string]domain.Participant
}

// ParseStaticTokens builds a StaticTokenAuth from its configuration string.
func ParseStaticTokens(raw string) (*StaticTokenAuth, error) {
	users := make(map[string]domain.Participant)
	if raw == "" {
		return &StaticTokenAuth{users: users}, nil
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed token entry %q (want token:userId:displayName)", entry)
		}
		users[parts[0]] = domain.Participant{
			UserID:      parts[1],
			Username:    parts[1],
			DisplayName: parts[2],
		}
	}
	return &StaticTokenAuth{users: users}, nil
}

// Authenticate resolves the token or fails with an AuthorizationError.
func (a *StaticTokenAuth) Authenticate(token string) (domain.Participant, error) {
	user, ok := a.users[token]
	if !ok {
		return domain.Participant{}, &domain.AuthorizationError{UserID: "unknown"}
	}
	return user, nil
}

// AllowAll is a PermissionChecker that grants everything; useful in tests
// and single-team deployments.
type AllowAll struct{}

// HasPermission always returns true.
func (AllowAll) HasPermission(userID, permission string) bool { return true }
