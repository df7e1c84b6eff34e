package service

import (
	"bytes"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/calindra/subrav/internal/billing"
	"github.com/calindra/subrav/internal/payment"
	"github.com/labstack/echo/v4"
)

const (
	sessionKey = "subrav.session"
	usageKey   = "subrav.usage"
)

// SetUsage reports the units consumed by a per_unit operation.
func SetUsage(c echo.Context, units uint64) {
	usage := usageOf(c)
	usage.Units = new(big.Int).SetUint64(units)
	c.Set(usageKey, usage)
}

// SetCost reports the final cost of a final_cost operation.
func SetCost(c echo.Context, cost *big.Int) {
	usage := usageOf(c)
	usage.Cost = new(big.Int).Set(cost)
	c.Set(usageKey, usage)
}

func usageOf(c echo.Context) billing.Usage {
	usage, _ := c.Get(usageKey).(billing.Usage)
	return usage
}

// SessionOf returns the payment session of a priced request, or nil.
func SessionOf(c echo.Context) *Session {
	session, _ := c.Get(sessionKey).(*Session)
	return session
}

// Middleware charges the priced routes it wraps. A payment error denies
// the request before the handler runs.
func (p *Processor) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()
			header := req.Header.Get(payment.HeaderName)
			session, err := p.Begin(ctx, billing.Operation(req.Method, c.Path()), header)
			if err != nil {
				return deny(c, header, err)
			}
			if session == nil {
				return next(c)
			}
			defer session.End()
			c.Set(sessionKey, session)

			w := &meteredWriter{ResponseWriter: c.Response().Writer, deferred: session.Deferred()}
			if !session.Deferred() {
				value, err := encodeProposal(session.Propose(ctx, billing.Usage{}))
				if err != nil {
					slog.Error("service: failed to issue proposal", "operation", session.Operation, "error", err)
					return deny(c, header, payment.NewError(payment.CodeInternal, err))
				}
				w.value = value
				c.Response().Header().Set(payment.HeaderName, value)
			}
			c.Response().Writer = w
			defer func() { c.Response().Writer = w.ResponseWriter }()

			herr := next(c)
			if herr != nil {
				c.Error(herr)
			}
			if !session.Deferred() {
				return nil
			}
			usage := usageOf(c)
			if herr != nil || w.status >= http.StatusInternalServerError {
				usage = billing.Usage{Units: new(big.Int), Cost: new(big.Int)}
			}
			value, err := encodeProposal(session.Propose(ctx, usage))
			if err != nil {
				slog.Error("service: failed to issue proposal", "operation", session.Operation, "error", err)
				value, _ = payment.EncodeResponse(payment.ErrorResponse(session.ClientTxRef,
					payment.NewError(payment.CodeInternal, err)))
			}
			return w.complete(value)
		}
	}
}

func encodeProposal(payload *payment.ResponsePayload, err error) (string, error) {
	if err != nil {
		return "", err
	}
	return payment.EncodeResponse(payload)
}

// deny answers with the payment error both in the header and the body.
func deny(c echo.Context, header string, err error) error {
	perr := payment.FromError(err)
	clientTxRef := ""
	if req, derr := payment.DecodeRequest(header); derr == nil {
		clientTxRef = req.ClientTxRef
	}
	slog.Debug("service: payment denied", "path", c.Path(), "code", perr.Code, "error", perr.Message)
	payload := payment.ErrorResponse(clientTxRef, perr)
	if value, err := payment.EncodeResponse(payload); err == nil {
		c.Response().Header().Set(payment.HeaderName, value)
	}
	return c.JSON(perr.Code.HTTPStatus(), payload.Error)
}

// meteredWriter holds back what the client must not see before the charge
// is known. Streams get the payload as an in-band control frame; other
// deferred responses are buffered until the handler returns.
type meteredWriter struct {
	http.ResponseWriter
	deferred bool
	value    string
	status   int
	started  bool
	control  *payment.ControlWriter
	buffer   *bytes.Buffer
}

func (w *meteredWriter) WriteHeader(code int) {
	if w.started {
		return
	}
	w.started = true
	w.status = code
	format, stream := payment.StreamFormat(w.Header().Get(echo.HeaderContentType))
	switch {
	case stream:
		w.Header().Del(echo.HeaderContentLength)
		w.ResponseWriter.WriteHeader(code)
		w.control = payment.NewControlWriter(w.ResponseWriter, format)
		if !w.deferred {
			if err := w.control.Emit(w.value); err != nil {
				slog.Error("service: failed to emit control frame", "error", err)
			}
		}
	case w.deferred:
		w.buffer = new(bytes.Buffer)
	default:
		w.ResponseWriter.WriteHeader(code)
	}
}

func (w *meteredWriter) Write(b []byte) (int, error) {
	if !w.started {
		w.WriteHeader(http.StatusOK)
	}
	if w.buffer != nil {
		return w.buffer.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *meteredWriter) Flush() {
	if w.buffer != nil {
		return
	}
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *meteredWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// complete delivers the deferred payload once the handler returned.
func (w *meteredWriter) complete(value string) error {
	switch {
	case w.control != nil:
		if err := w.control.Emit(value); err != nil {
			return err
		}
		w.Flush()
		return nil
	case w.buffer != nil:
		w.Header().Set(payment.HeaderName, value)
		w.ResponseWriter.WriteHeader(w.status)
		_, err := w.ResponseWriter.Write(w.buffer.Bytes())
		return err
	default:
		w.Header().Set(payment.HeaderName, value)
		return nil
	}
}
