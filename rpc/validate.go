package rpc

import (
	"github.com/dermesser/rtrpc/message"
)

// Validity is the outcome of checking a message's data against the schema of
// its action.
type Validity int

const (
	Valid Validity = iota
	MissingData
	WrongFieldCount
	EmptyField
)

func (v Validity) String() string {
	switch v {
	case Valid:
		return "valid"
	case MissingData:
		return "missing data"
	case WrongFieldCount:
		return "wrong number of fields"
	case EmptyField:
		return "empty field"
	default:
		return "unknown"
	}
}

// schema describes the data fields of an action. The first required fields
// must be non-empty; max < 0 means no upper bound.
type schema struct {
	min, max int
	required int
}

var schemas = map[string]schema{
	message.ActionSubscribe:      {min: 1, max: 1, required: 1},
	message.ActionUnsubscribe:    {min: 1, max: 1, required: 1},
	message.ActionRequest:        {min: 2, max: 3, required: 2},
	message.ActionAck:            {min: 2, max: 2, required: 2},
	message.ActionResponse:       {min: 2, max: 3, required: 2},
	message.ActionRejection:      {min: 2, max: 2, required: 2},
	message.ActionError:          {min: 3, max: -1, required: 3},
	message.ActionQuery:          {min: 1, max: 1, required: 1},
	message.ActionProviderUpdate: {min: 3, max: 3, required: 3},
}

// validate checks msg against the schema of its action. Actions without a
// schema are valid.
func validate(msg *message.Message) Validity {
	s, ok := schemas[msg.Action]
	if !ok {
		return Valid
	}
	if len(msg.Data) == 0 {
		return MissingData
	}
	if len(msg.Data) < s.min || (s.max >= 0 && len(msg.Data) > s.max) {
		return WrongFieldCount
	}
	for i := 0; i < s.required; i++ {
		if msg.Data[i] == "" {
			return EmptyField
		}
	}
	return Valid
}
