// Package xrpc implements an HTTP server for schema-governed XRPC methods.
//
// Methods are registered against lexicon definitions and mounted under a
// common path prefix ("/xrpc/" by default). Subscriptions are served over a
// websocket upgrade:
//
//	srv, err := xrpc.New(xrpc.WithLogger(log))
//	if err != nil {
//		return err
//	}
//	err = srv.Method(def, xrpc.MethodConfig{
//		Handler: func(ctx context.Context, hc *xrpc.HandlerContext) (xrpc.Output, error) {
//			return &xrpc.Success{Body: profile}, nil
//		},
//	})
//	http.ListenAndServe(":8080", srv)
//
// Every request passes through the same stages: global rate limits, method
// lookup, verb check, authentication, body intake, basic rate limits,
// parameter decoding, input validation, parametric rate limits and finally
// the handler. A failure at any stage is converted to an *XRPCError by
// Normalize and written as {"error": name, "message": message}.
//
// Subscriptions push frames (see package frame) until the handler returns.
// A failure is reported with exactly one error frame, after which the
// connection is closed.
package xrpc
