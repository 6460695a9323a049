package xrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/elnormous/contenttype"
)

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		dst[k] = append([]string(nil), vs...)
	}
}

// writeOutput encodes the handler result. Errors returned before anything
// is written are reported by the caller.
func (s *Server) writeOutput(w *responseWriter, r *http.Request, e *methodEntry, hc *HandlerContext, out Output) error {
	switch o := out.(type) {
	case nil:
		return s.writeEmpty(w, hc)
	case *Success:
		if o == nil {
			return s.writeEmpty(w, hc)
		}
		return s.writeSuccess(w, r, e, hc, o)
	case *PipeThroughBuffer:
		h := w.Header()
		copyHeader(h, hc.ResHeader)
		copyHeader(h, o.Header)
		if o.Encoding != "" {
			h.Set("Content-Type", o.Encoding)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(o.Buffer)
		return nil
	case *PipeThroughStream:
		defer o.Stream.Close()
		h := w.Header()
		copyHeader(h, hc.ResHeader)
		copyHeader(h, o.Header)
		if o.Encoding != "" {
			h.Set("Content-Type", o.Encoding)
		}
		return s.copyStream(w, r, o.Stream)
	case *HandlerError:
		return o.XRPCError()
	default:
		return InternalError(fmt.Errorf("unsupported handler output %T", out))
	}
}

func (s *Server) writeEmpty(w *responseWriter, hc *HandlerContext) error {
	copyHeader(w.Header(), hc.ResHeader)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) writeSuccess(w *responseWriter, r *http.Request, e *methodEntry, hc *HandlerContext, o *Success) error {
	declared := e.def.Output
	if declared == nil && o.Body != nil {
		return InternalError(errors.New("handler returned a body for a method without declared output"))
	}

	enc := o.Encoding
	if enc == "" && declared != nil && declared.Encoding != anyEncoding {
		enc = declared.Encoding
	}
	if enc == "" && o.Body != nil {
		enc = jsonMediaType.String()
	}
	if declared != nil && declared.Encoding != "" && declared.Encoding != anyEncoding && enc != "" {
		got, want := contenttype.NewMediaType(enc), contenttype.NewMediaType(declared.Encoding)
		if !got.Matches(want) {
			return InternalError(fmt.Errorf("output encoding %q does not match declared %q", enc, declared.Encoding))
		}
	}

	h := w.Header()
	switch b := o.Body.(type) {
	case nil:
		copyHeader(h, hc.ResHeader)
		copyHeader(h, o.Header)
		w.WriteHeader(http.StatusOK)
		return nil
	case []byte:
		copyHeader(h, hc.ResHeader)
		copyHeader(h, o.Header)
		h.Set("Content-Type", enc)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
		return nil
	case io.Reader:
		if c, ok := b.(io.Closer); ok {
			defer c.Close()
		}
		copyHeader(h, hc.ResHeader)
		copyHeader(h, o.Header)
		h.Set("Content-Type", enc)
		return s.copyStream(w, r, b)
	}

	if s.cfg.validateResponse && declared != nil && declared.Schema != nil && isJSONEncoding(enc) {
		if err := s.cfg.validator.Validate(declared.Schema, o.Body); err != nil {
			// The caller is not at fault; the detail stays in the logs.
			return InternalError(fmt.Errorf("output failed validation: %w", err))
		}
	}

	data, err := json.Marshal(o.Body)
	if err != nil {
		return InternalError(fmt.Errorf("encode output: %w", err))
	}
	copyHeader(h, hc.ResHeader)
	copyHeader(h, o.Header)
	if isJSONEncoding(enc) {
		enc = essence(contenttype.NewMediaType(enc)) + "; charset=utf-8"
	}
	h.Set("Content-Type", enc)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	return nil
}

// copyStream forwards src. A read failure before the first byte is returned
// so it can still be reported; once the status line is out a failure aborts
// the connection.
func (s *Server) copyStream(w *responseWriter, r *http.Request, src io.Reader) error {
	buf := make([]byte, 32<<10)
	n, err := readSome(src, buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	w.WriteHeader(http.StatusOK)
	if n > 0 {
		if _, werr := w.Write(buf[:n]); werr != nil {
			s.abort(r, werr)
		}
	}
	if errors.Is(err, io.EOF) {
		return nil
	}
	if _, err := io.CopyBuffer(writerOnly{w}, src, buf); err != nil {
		s.abort(r, err)
	}
	return nil
}

func (s *Server) abort(r *http.Request, err error) {
	s.log.WarnContext(r.Context(), "xrpc.response.abort", slog.String("err", err.Error()))
	panic(http.ErrAbortHandler)
}

func readSome(r io.Reader, buf []byte) (int, error) {
	for {
		n, err := r.Read(buf)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// writerOnly hides optional interfaces so io.CopyBuffer uses buf.
type writerOnly struct{ io.Writer }
