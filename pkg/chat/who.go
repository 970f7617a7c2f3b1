package chat

import (
	"github.com/pkg/errors"
)

// Who identifies the author of a message. The set is closed: every message
// is written either by the human or by the model, and the store rejects any
// other serialized form.
type Who string

const (
	WhoMe    Who = "me"
	WhoModel Who = "model"
)

var ErrUnknownSpeaker = errors.New("unknown speaker")

func ParseWho(s string) (Who, error) {
	switch Who(s) {
	case WhoMe:
		return WhoMe, nil
	case WhoModel:
		return WhoModel, nil
	default:
		return "", errors.Wrapf(ErrUnknownSpeaker, "%q", s)
	}
}

func (w Who) String() string {
	return string(w)
}

func (w Who) Valid() bool {
	return w == WhoMe || w == WhoModel
}
