package xrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

const anyEncoding = "*/*"

func hasBody(r *http.Request) bool {
	return r.ContentLength > 0 || len(r.TransferEncoding) > 0 || r.Header.Get("Content-Type") != ""
}

func isJSON(mt contenttype.MediaType) bool {
	return mt.Type == "application" && (mt.Subtype == "json" || strings.HasSuffix(mt.Subtype, "+json"))
}

func isJSONEncoding(enc string) bool {
	mt := contenttype.NewMediaType(enc)
	return isJSON(mt)
}

func essence(mt contenttype.MediaType) string {
	return mt.Type + "/" + mt.Subtype
}

// readInput performs body intake for a procedure: content negotiation
// against the declared encoding, Content-Encoding removal and size-capped
// parsing.
func (s *Server) readInput(w http.ResponseWriter, r *http.Request, e *methodEntry) (*Input, error) {
	declared := e.def.Input
	if !hasBody(r) {
		if declared != nil {
			return nil, InvalidRequestError("Request encoding (Content-Type) required but not provided")
		}
		return nil, nil
	}
	if declared == nil {
		return nil, InvalidRequestError("A request body was provided when none was expected")
	}
	if r.Header.Get("Content-Type") == "" {
		return nil, InvalidRequestError("Request encoding (Content-Type) required but not provided")
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil {
		return nil, Errorf(UnsupportedMediaType, "Invalid request encoding (Content-Type): %s", r.Header.Get("Content-Type"))
	}
	if declared.Encoding != "" && declared.Encoding != anyEncoding {
		want := contenttype.NewMediaType(declared.Encoding)
		if !ctype.Matches(want) {
			return nil, InvalidRequestError(fmt.Sprintf("Wrong request encoding (Content-Type): %s", essence(ctype)))
		}
	}

	var limit int64
	switch {
	case isJSON(ctype):
		limit = s.cfg.limits.JSON
	case ctype.Type == "text":
		limit = s.cfg.limits.Text
	default:
		limit = e.blobLimit
	}

	identity, body, err := decodeContentEncoding(r)
	if err != nil {
		return nil, err
	}
	if identity && r.ContentLength > limit {
		return nil, &http.MaxBytesError{Limit: limit}
	}
	limited := http.MaxBytesReader(w, io.NopCloser(body), limit)

	in := &Input{Encoding: essence(ctype)}
	switch {
	case isJSON(ctype):
		v, err := decodeJSONBody(limited)
		if err != nil {
			return nil, err
		}
		in.Body = v
	case ctype.Type == "text":
		b, err := io.ReadAll(limited)
		if err != nil {
			return nil, err
		}
		in.Body = string(b)
	default:
		in.Body = limited
	}
	return in, nil
}

// decodeJSONBody parses exactly one JSON value. Anything but whitespace
// after it makes the body invalid.
func decodeJSONBody(r io.Reader) (any, error) {
	dec := json.NewDecoder(r)
	var v any
	err := dec.Decode(&v)
	if err == nil {
		var extra json.RawMessage
		if err = dec.Decode(&extra); err == nil {
			err = errors.New("trailing data after JSON value")
		} else if errors.Is(err, io.EOF) {
			return v, nil
		}
	}
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return nil, err
	}
	return nil, InvalidRequestError("Unable to parse request body as JSON")
}

// decodeContentEncoding unwraps the request body according to its
// Content-Encoding header. Codings are removed in reverse order of
// application.
func decodeContentEncoding(r *http.Request) (identity bool, body io.Reader, err error) {
	header := r.Header.Get("Content-Encoding")
	if header == "" {
		return true, r.Body, nil
	}

	codings := strings.Split(header, ",")
	body = r.Body
	identity = true
	for i := len(codings) - 1; i >= 0; i-- {
		switch c := strings.ToLower(strings.TrimSpace(codings[i])); c {
		case "", "identity":
		case "gzip", "x-gzip":
			zr, err := gzip.NewReader(body)
			if err != nil {
				return false, nil, InvalidRequestError("Unable to decode gzip request body")
			}
			body, identity = zr, false
		case "deflate":
			zr, err := zlib.NewReader(body)
			if err != nil {
				return false, nil, InvalidRequestError("Unable to decode deflate request body")
			}
			body, identity = zr, false
		default:
			return false, nil, Errorf(UnsupportedMediaType, "Unsupported content-encoding: %s", c)
		}
	}
	return identity, body, nil
}
