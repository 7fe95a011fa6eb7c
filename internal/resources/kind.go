package resources

import (
	"errors"
	"strings"
)

var (
	ErrUnknownKind   = errors.New("unknown resource kind")
	ErrUnknownAction = errors.New("unknown resource action")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNoClient      = errors.New("no sync client configured")
)

type Kind string

const (
	KindDeal    Kind = "deal"
	KindTask    Kind = "task"
	KindContact Kind = "contact"
	KindTeam    Kind = "team"
)

// Kinds lists every resource kind in resync order.
var Kinds = []Kind{KindDeal, KindTask, KindContact, KindTeam}

func (k Kind) Valid() bool {
	switch k {
	case KindDeal, KindTask, KindContact, KindTeam:
		return true
	}
	return false
}

// Plural is the path segment used by the REST API.
func (k Kind) Plural() string {
	return string(k) + "s"
}

// ParseKind accepts singular or plural names in any case.
func ParseKind(raw string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if k := Kind(name); k.Valid() {
		return k, nil
	}
	if k := Kind(strings.TrimSuffix(name, "s")); k.Valid() {
		return k, nil
	}
	return "", ErrUnknownKind
}

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionBatch  Action = "batch"
)

func ParseAction(raw string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(raw))); a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionBatch:
		return a, nil
	}
	return "", ErrUnknownAction
}
