package mailbox

import (
	"errors"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// envelope is the frame every mailbox message travels in.
type envelope struct {
	Channel string `codec:"c"`
	Payload []byte `codec:"p"`
}

var msgpackHandle = &codec.MsgpackHandle{WriteExt: true}

func encodeEnvelope(e envelope) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(&e); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	if len(b) == 0 {
		return e, errors.New("empty frame")
	}
	if err := codec.NewDecoderBytes(b, msgpackHandle).Decode(&e); err != nil {
		return e, err
	}
	if e.Channel == "" {
		return e, errors.New("envelope without channel")
	}
	return e, nil
}
