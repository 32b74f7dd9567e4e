package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/danderson/dbusrpc"
	jsoniter "github.com/json-iterator/go"
	"github.com/kr/pretty"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var signatureType = reflect.TypeFor[dbusrpc.Signature]()

// parseArgs converts command line arguments to values of the types in
// sig. Arguments of string-like types are taken verbatim, all others
// are decoded as JSON.
//
// An empty sig means every argument is a string.
func parseArgs(sig string, raw []string) ([]any, error) {
	if sig == "" {
		ret := make([]any, len(raw))
		for i, r := range raw {
			ret[i] = r
		}
		return ret, nil
	}

	s, err := dbusrpc.ParseSignature(sig)
	if err != nil {
		return nil, err
	}
	parts := s.Parts()
	if len(parts) != len(raw) {
		return nil, fmt.Errorf("signature %q wants %d arguments, got %d", sig, len(parts), len(raw))
	}
	ret := make([]any, len(raw))
	for i, part := range parts {
		v, err := parseArg(part.Type(), raw[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, part, err)
		}
		ret[i] = v
	}
	return ret, nil
}

func parseArg(t reflect.Type, raw string) (any, error) {
	switch {
	case t == signatureType:
		return dbusrpc.ParseSignature(raw)
	case t.Kind() == reflect.String:
		return reflect.ValueOf(raw).Convert(t).Interface(), nil
	}
	v := reflect.New(t)
	if err := json.UnmarshalFromString(raw, v.Interface()); err != nil {
		return nil, err
	}
	return v.Elem().Interface(), nil
}

// printer writes call results in the format selected by the global
// flags.
type printer struct {
	out    io.Writer
	asJSON bool
}

func newPrinter() *printer {
	return &printer{out: os.Stdout, asJSON: globalArgs.JSON}
}

func (p *printer) value(v any) error {
	if p.asJSON {
		bs, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result as JSON: %w", err)
		}
		_, err = fmt.Fprintf(p.out, "%s\n", bs)
		return err
	}
	_, err := fmt.Fprintf(p.out, "%# v\n", pretty.Formatter(v))
	return err
}

func (p *printer) values(vs []any) error {
	if p.asJSON {
		return p.value(vs)
	}
	for _, v := range vs {
		if err := p.value(v); err != nil {
			return err
		}
	}
	return nil
}

// indenter prefixes every line written to it.
type indenter struct {
	w          io.Writer
	prefix     string
	indentNext bool
}

func (i *indenter) f(msg string, args ...any) {
	fmt.Fprintf(i, msg+"\n", args...)
}

func (i *indenter) indent(n int) {
	i.prefix = strings.Repeat("  ", n)
}

func (i *indenter) Write(bs []byte) (int, error) {
	ret := 0
	for len(bs) > 0 {
		if i.indentNext {
			i.indentNext = false
			if _, err := io.WriteString(i.w, i.prefix); err != nil {
				return ret, err
			}
		}

		wr := bs
		if idx := bytes.IndexByte(bs, '\n'); idx >= 0 {
			i.indentNext = true
			wr, bs = bs[:idx+1], bs[idx+1:]
		} else {
			bs = nil
		}

		n, err := i.w.Write(wr)
		ret += n
		if err != nil {
			return ret, err
		}
	}
	return ret, nil
}
