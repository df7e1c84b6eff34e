package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/calindra/subrav/internal/channel"
	"github.com/calindra/subrav/internal/claimer"
	"github.com/calindra/subrav/internal/identity"
	"github.com/calindra/subrav/internal/payment"
	"github.com/calindra/subrav/internal/settlement"
	"github.com/calindra/subrav/internal/subrav"
	"github.com/calindra/subrav/internal/tracker"
	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
)

// ChannelAdmin is the channel lifecycle as seen by the admin routes.
type ChannelAdmin interface {
	Channels() []channel.Channel
	Lookup(ctx context.Context, id common.Hash) (*channel.Channel, error)
	Open(ctx context.Context, payer string, payee string, asset string) (*channel.Channel, error)
	AuthorizeSubChannel(ctx context.Context, id common.Hash, vm identity.VerificationMethod) error
	CloseByPayee(ctx context.Context, id common.Hash) error
	StartPayerClose(ctx context.Context, id common.Hash) (*channel.Channel, error)
	SubmitDuringChallenge(ctx context.Context, id common.Hash) (*claimer.ClaimReport, error)
	FinalizePayerClose(ctx context.Context, id common.Hash) error
	CooperativeClose(ctx context.Context, id common.Hash, final *subrav.SignedSubRAV) error
	Reopen(ctx context.Context, id common.Hash) (*channel.Channel, error)
}

type ChannelView struct {
	ChannelID       string        `json:"channelId"`
	Payer           string        `json:"payer"`
	Payee           string        `json:"payee"`
	Asset           string        `json:"asset"`
	Epoch           uint64        `json:"epoch"`
	State           channel.State `json:"state"`
	ChallengeEndsAt *time.Time    `json:"challengeEndsAt,omitempty"`
	SubChannels     []string      `json:"subChannels"`
}

type OpenChannelRequest struct {
	Payer string `json:"payer"`
	Asset string `json:"asset"`
}

type AuthorizeRequest struct {
	KeyID string `json:"keyId"`
}

type ClaimReportView struct {
	ChannelID string   `json:"channelId"`
	Submitted int      `json:"submitted"`
	Claimed   int      `json:"claimed"`
	Paid      string   `json:"paid"`
	Failures  []string `json:"failures"`
}

func viewOf(ch *channel.Channel) ChannelView {
	view := ChannelView{
		ChannelID:   ch.ID.Hex(),
		Payer:       ch.Payer,
		Payee:       ch.Payee,
		Asset:       ch.Asset,
		Epoch:       ch.Epoch,
		State:       ch.State,
		SubChannels: ch.SubChannels,
	}
	if view.SubChannels == nil {
		view.SubChannels = []string{}
	}
	if !ch.ChallengeEndsAt.IsZero() {
		end := ch.ChallengeEndsAt
		view.ChallengeEndsAt = &end
	}
	return view
}

func registerChannelRoutes(g *echo.Group, api *paymentAPI) {
	g.GET("/channels", api.ListChannels)
	g.POST("/channels", api.OpenChannel)
	g.GET("/channels/:channelId", api.GetChannel)
	g.POST("/channels/:channelId/sub-channels", api.AuthorizeSubChannel)
	g.POST("/channels/:channelId/close", api.CloseChannel)
	g.POST("/channels/:channelId/start-close", api.StartClose)
	g.POST("/channels/:channelId/challenge", api.SubmitDuringChallenge)
	g.POST("/channels/:channelId/finalize", api.FinalizeClose)
	g.POST("/channels/:channelId/cooperative-close", api.CooperativeClose)
	g.POST("/channels/:channelId/reopen", api.ReopenChannel)
}

func (a *paymentAPI) ListChannels(c echo.Context) error {
	channels := a.admin.Channels.Channels()
	views := make([]ChannelView, 0, len(channels))
	for i := range channels {
		views = append(views, viewOf(&channels[i]))
	}
	return c.JSON(http.StatusOK, views)
}

// Handle POST requests to /channels. The node is always the payee.
func (a *paymentAPI) OpenChannel(c echo.Context) error {
	var body OpenChannelRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	if body.Payer == "" || body.Asset == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "payer and asset are required")
	}
	ch, err := a.admin.Channels.Open(c.Request().Context(), body.Payer, a.admin.Payee, body.Asset)
	if err != nil {
		return lifecycleError(err)
	}
	return c.JSON(http.StatusCreated, viewOf(ch))
}

func (a *paymentAPI) GetChannel(c echo.Context) error {
	return a.withChannel(c, func(ctx context.Context, id common.Hash) error {
		return nil
	})
}

// Handle POST requests to /channels/:channelId/sub-channels. The key is
// resolved the same way vouchers are verified.
func (a *paymentAPI) AuthorizeSubChannel(c echo.Context) error {
	var body AuthorizeRequest
	if err := c.Bind(&body); err != nil {
		return err
	}
	did, fragment, err := identity.SplitKeyID(body.KeyID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return a.withChannel(c, func(ctx context.Context, id common.Hash) error {
		vm, err := a.processor.Resolver.Resolve(ctx, did, fragment)
		if err != nil {
			return err
		}
		return a.admin.Channels.AuthorizeSubChannel(ctx, id, *vm)
	})
}

func (a *paymentAPI) CloseChannel(c echo.Context) error {
	return a.withChannel(c, a.admin.Channels.CloseByPayee)
}

func (a *paymentAPI) StartClose(c echo.Context) error {
	return a.withChannel(c, func(ctx context.Context, id common.Hash) error {
		_, err := a.admin.Channels.StartPayerClose(ctx, id)
		return err
	})
}

func (a *paymentAPI) SubmitDuringChallenge(c echo.Context) error {
	id, err := parseChannelID(c.Param("channelId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	report, err := a.admin.Channels.SubmitDuringChallenge(c.Request().Context(), id)
	if err != nil {
		return lifecycleError(err)
	}
	view := ClaimReportView{
		ChannelID: report.ChannelID.Hex(),
		Submitted: report.Submitted,
		Claimed:   report.Claimed,
		Paid:      "0",
		Failures:  []string{},
	}
	if report.Paid != nil {
		view.Paid = report.Paid.String()
	}
	for _, f := range report.Failures {
		view.Failures = append(view.Failures, f.Err.Error())
	}
	return c.JSON(http.StatusOK, view)
}

func (a *paymentAPI) FinalizeClose(c echo.Context) error {
	return a.withChannel(c, a.admin.Channels.FinalizePayerClose)
}

// Handle POST requests to /channels/:channelId/cooperative-close. The
// body is the payer's final signed voucher in wire form.
func (a *paymentAPI) CooperativeClose(c echo.Context) error {
	var body payment.WireSignedSubRAV
	if err := c.Bind(&body); err != nil {
		return err
	}
	final, err := payment.DecodeSigned(&body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return a.withChannel(c, func(ctx context.Context, id common.Hash) error {
		return a.admin.Channels.CooperativeClose(ctx, id, final)
	})
}

func (a *paymentAPI) ReopenChannel(c echo.Context) error {
	return a.withChannel(c, func(ctx context.Context, id common.Hash) error {
		_, err := a.admin.Channels.Reopen(ctx, id)
		return err
	})
}

// withChannel runs fn and answers with the resulting channel view.
func (a *paymentAPI) withChannel(c echo.Context, fn func(ctx context.Context, id common.Hash) error) error {
	id, err := parseChannelID(c.Param("channelId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if err := fn(ctx, id); err != nil {
		return lifecycleError(err)
	}
	ch, err := a.admin.Channels.Lookup(ctx, id)
	if err != nil {
		return lifecycleError(err)
	}
	return c.JSON(http.StatusOK, viewOf(ch))
}

func lifecycleError(err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, settlement.ErrChannelNotFound), errors.Is(err, identity.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, channel.ErrWrongState),
		errors.Is(err, channel.ErrChannelClosed),
		errors.Is(err, channel.ErrChallengeEnded),
		errors.Is(err, settlement.ErrChannelClosed),
		errors.Is(err, settlement.ErrChannelNotClosing),
		errors.Is(err, settlement.ErrChallengeWindowOpen),
		errors.Is(err, tracker.ErrInvalidNonce),
		errors.Is(err, tracker.ErrInvalidEpoch),
		errors.Is(err, tracker.ErrDeltaOutOfBounds):
		status = http.StatusConflict
	case errors.Is(err, channel.ErrNotPayer),
		errors.Is(err, subrav.ErrVerificationFailed),
		errors.Is(err, settlement.ErrInsufficientAuthorization):
		status = http.StatusForbidden
	case errors.Is(err, identity.ErrInvalidKeyID):
		status = http.StatusBadRequest
	case settlement.IsRetryable(err):
		status = http.StatusServiceUnavailable
	}
	return echo.NewHTTPError(status, err.Error())
}
