package model

import (
	"errors"
	"fmt"
	"strings"
)

type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusValidating Status = "VALIDATING"
	StatusValid      Status = "VALID"
	StatusInvalid    Status = "INVALID"
	StatusDeploying  Status = "DEPLOYING"
	StatusDeployed   Status = "DEPLOYED"
	StatusFailed     Status = "FAILED"
	StatusArchived   Status = "ARCHIVED"
)

// Event names a lifecycle step that may move a bundle between statuses.
type Event string

const (
	EventValidateBegin Event = "validate.begin"
	EventValidatePass  Event = "validate.pass"
	EventValidateFail  Event = "validate.fail"
	EventDeployBegin   Event = "deploy.begin"
	EventDeploySucceed Event = "deploy.succeed"
	EventDeployFail    Event = "deploy.fail"
	EventSupersede     Event = "supersede"
)

var (
	ErrInvalidStatus           = errors.New("invalid bundle status")
	ErrInvalidStatusTransition = errors.New("invalid bundle status transition")
)

// TransitionError reports an edge that is not part of the lifecycle.
type TransitionError struct {
	From  Status
	Event Event
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s does not accept %s", ErrInvalidStatusTransition, e.From, e.Event)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

type edge struct {
	from  Status
	event Event
}

var transitions = map[edge]Status{
	{StatusCreated, EventValidateBegin}:   StatusValidating,
	{StatusInvalid, EventValidateBegin}:   StatusValidating,
	{StatusValidating, EventValidatePass}: StatusValid,
	{StatusValidating, EventValidateFail}: StatusInvalid,
	{StatusValid, EventDeployBegin}:       StatusDeploying,
	{StatusDeployed, EventDeployBegin}:    StatusDeploying,
	{StatusFailed, EventDeployBegin}:      StatusDeploying,
	{StatusDeploying, EventDeploySucceed}: StatusDeployed,
	{StatusDeploying, EventDeployFail}:    StatusFailed,
	{StatusValid, EventSupersede}:         StatusArchived,
	{StatusDeployed, EventSupersede}:      StatusArchived,
	{StatusFailed, EventSupersede}:        StatusArchived,
}

func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusValidating, StatusValid, StatusInvalid,
		StatusDeploying, StatusDeployed, StatusFailed, StatusArchived:
		return true
	default:
		return false
	}
}

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// Transition returns the status reached by applying event to from.
// Edges not listed in the lifecycle table are rejected:
//
//	CREATED|INVALID          --validate.begin--> VALIDATING
//	VALIDATING               --validate.pass---> VALID
//	VALIDATING               --validate.fail---> INVALID
//	VALID|DEPLOYED|FAILED    --deploy.begin----> DEPLOYING
//	DEPLOYING                --deploy.succeed--> DEPLOYED
//	DEPLOYING                --deploy.fail-----> FAILED
//	VALID|DEPLOYED|FAILED    --supersede-------> ARCHIVED
func Transition(from Status, event Event) (Status, error) {
	if !from.Valid() {
		return "", ErrInvalidStatus
	}
	to, ok := transitions[edge{from: from, event: event}]
	if !ok {
		return "", &TransitionError{From: from, Event: event}
	}
	return to, nil
}

// CanApply reports whether event is accepted in status s.
func (s Status) CanApply(event Event) bool {
	_, ok := transitions[edge{from: s, event: event}]
	return ok
}
