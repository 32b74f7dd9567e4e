package dbusrpc

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/danderson/dbusrpc/fragments"
)

type msg struct {
	header
	body []byte
}

// A ReplyMessage is the reply to a method call, before conversion to
// the method's return type.
//
// A ReplyMessage is either a successful return carrying zero or more
// values, or an error carrying an error name and optional detail.
type ReplyMessage struct {
	// Serial is the serial of the call this message replies to.
	Serial uint32
	// Sender is the unique bus name of the replying peer.
	Sender string
	// Signature is the signature of the reply's body.
	Signature Signature
	// ErrName is the error name, for error replies.
	ErrName string

	order fragments.ByteOrder
	body  []byte
}

func newReplyMessage(m *msg) *ReplyMessage {
	return &ReplyMessage{
		Serial:    m.ReplySerial,
		Sender:    m.Sender,
		Signature: m.Signature,
		ErrName:   m.ErrName,
		order:     m.Order,
		body:      m.body,
	}
}

// IsError reports whether the reply is an error.
func (r *ReplyMessage) IsError() bool {
	return r.ErrName != ""
}

// Len returns the number of top-level values in the reply body.
func (r *ReplyMessage) Len() int {
	return len(r.Signature.Parts())
}

// Err returns the reply as a [*RemoteError], or nil if the reply is
// not an error.
//
// If the error body begins with a string, it is used as the error
// detail.
func (r *ReplyMessage) Err() error {
	if !r.IsError() {
		return nil
	}
	detail := ""
	if strings.HasPrefix(r.Signature.String(), "s") {
		s, err := r.decoder().String()
		if err != nil {
			detail = fmt.Sprintf("got error while decoding error detail: %v", err)
		} else {
			detail = s
		}
	}
	return &RemoteError{
		Name:   r.ErrName,
		Detail: detail,
	}
}

// Values decodes the reply body generically, with each value decoded
// according to the type its signature describes.
func (r *ReplyMessage) Values() ([]any, error) {
	var ret []any
	d := r.decoder()
	for _, part := range r.Signature.Parts() {
		v := reflect.New(part.Type()).Elem()
		dec, err := decoderFor(part.Type())
		if err != nil {
			return nil, err
		}
		if err := dec(d, v); err != nil {
			return nil, err
		}
		ret = append(ret, v.Interface())
	}
	return ret, nil
}

func (r *ReplyMessage) decoder() *fragments.Decoder {
	return &fragments.Decoder{
		Order:  r.order,
		Mapper: decoderFor,
		In:     bytes.NewReader(r.body),
	}
}

// NewReplyMessage constructs a successful ReplyMessage carrying vals.
// It is intended for testing code that consumes replies.
func NewReplyMessage(vals ...any) (*ReplyMessage, error) {
	types := make([]reflect.Type, len(vals))
	for i, v := range vals {
		types[i] = reflect.TypeOf(v)
	}
	sig, err := signatureOfTypes(types)
	if err != nil {
		return nil, err
	}
	body, err := encodeBody(fragments.NativeEndian, vals, types)
	if err != nil {
		return nil, err
	}
	return &ReplyMessage{
		Signature: sig,
		order:     fragments.NativeEndian,
		body:      body,
	}, nil
}
