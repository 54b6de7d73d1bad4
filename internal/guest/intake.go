package guest

import (
	"fmt"
	"net/mail"
	"strings"

	"deskhub/realtime/internal/domain"
)

// IntakeStep is one stage of the progressive intake flow: the conversational
// one-field-at-a-time alternative to a static pre-chat form.
type IntakeStep int

const (
	CollectingIssue IntakeStep = iota
	CollectingName
	CollectingEmail
	IntakeReady
)

func (s IntakeStep) String() string {
	switch s {
	case CollectingIssue:
		return "collecting_issue"
	case CollectingName:
		return "collecting_name"
	case CollectingEmail:
		return "collecting_email"
	case IntakeReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Intake collects guest identity one free-text answer at a time. Each step
// validates its input before advancing; IntakeReady is terminal and
// subsequent messages are ordinary chat turns.
type Intake struct {
	step  IntakeStep
	issue string
	name  string
	email string
}

// NewIntake starts the flow at CollectingIssue.
func NewIntake() *Intake {
	return &Intake{step: CollectingIssue}
}

// Step returns the current stage.
func (i *Intake) Step() IntakeStep { return i.step }

// Prompt returns the question for the current stage.
func (i *Intake) Prompt() string {
	switch i.step {
	case CollectingIssue:
		return "What can we help you with today?"
	case CollectingName:
		return "What is your name?"
	case CollectingEmail:
		return "What email address can we reach you at?"
	default:
		return ""
	}
}

// Submit feeds one free-text answer to the current stage. Invalid input
// re-prompts without advancing; the returned step is the stage to prompt
// for next.
func (i *Intake) Submit(input string) (IntakeStep, error) {
	input = strings.TrimSpace(input)

	switch i.step {
	case CollectingIssue:
		if input == "" {
			return i.step, fmt.Errorf("please describe your issue")
		}
		i.issue = input
		i.step = CollectingName
	case CollectingName:
		if input == "" {
			return i.step, fmt.Errorf("please tell us your name")
		}
		i.name = input
		i.step = CollectingEmail
	case CollectingEmail:
		if _, err := mail.ParseAddress(input); err != nil {
			return i.step, fmt.Errorf("%q does not look like an email address", input)
		}
		i.email = input
		i.step = IntakeReady
	case IntakeReady:
		return i.step, fmt.Errorf("intake already complete")
	}
	return i.step, nil
}

// Result returns the collected identity and initial message once the flow
// reached IntakeReady.
func (i *Intake) Result() (domain.GuestIdentity, string, error) {
	if i.step != IntakeReady {
		return domain.GuestIdentity{}, "", fmt.Errorf("intake still at %s", i.step)
	}
	return domain.GuestIdentity{Name: i.name, Email: i.email}, i.issue, nil
}
