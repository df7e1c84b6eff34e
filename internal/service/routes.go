package service

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/calindra/subrav/internal/claimer"
	"github.com/calindra/subrav/internal/payment"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const RoutePrefix = "/payment-channel"

// ClaimAdmin is the claim scheduler as seen by the admin routes.
type ClaimAdmin interface {
	Status() []claimer.ChannelStatus
	Trigger(channelID common.Hash) bool
}

type Admin struct {
	Claims ClaimAdmin
	// Channels mounts the lifecycle routes when set.
	Channels ChannelAdmin
	// Payee is the DID of this service in channels opened through the
	// admin routes.
	Payee string
	// Token guards the admin routes when set.
	Token string
}

// TriggerResult.Queued is false when a claim of the channel was already
// waiting in the queue.
type TriggerResult struct {
	ChannelID string `json:"channelId"`
	Queued    bool   `json:"queued"`
}

// Register the recovery, health and admin routes to echo. Admin routes are
// only mounted when admin is set.
func Register(e *echo.Echo, p *Processor, admin *Admin) {
	api := &paymentAPI{processor: p, admin: admin}
	g := e.Group(RoutePrefix)
	g.GET("/health", api.Health)
	g.GET("/recovery", api.Recovery)
	if admin == nil {
		return
	}
	ag := g.Group("/admin")
	if admin.Token != "" {
		ag.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(admin.Token)) == 1, nil
		}))
	}
	if admin.Claims != nil {
		ag.GET("/claims", api.Claims)
		ag.POST("/claims/:channelId/trigger", api.TriggerClaim)
	}
	if admin.Channels != nil {
		registerChannelRoutes(ag, api)
	}
}

type paymentAPI struct {
	processor *Processor
	admin     *Admin
}

func (a *paymentAPI) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"chainId": a.processor.Config.ChainID,
	})
}

// Handle GET requests to /recovery?channelId=...&vmIdFragment=...
func (a *paymentAPI) Recovery(c echo.Context) error {
	channelID, err := parseChannelID(c.QueryParam("channelId"))
	if err != nil {
		return sendError(c, payment.NewError(payment.CodeMalformedPayload, err))
	}
	fragment := c.QueryParam("vmIdFragment")
	if fragment == "" {
		return sendError(c, payment.Errorf(payment.CodeMalformedPayload, "missing vmIdFragment"))
	}
	state, err := a.processor.Recover(c.Request().Context(), channelID, fragment)
	if err != nil {
		return sendError(c, payment.FromError(err))
	}
	return c.JSON(http.StatusOK, state)
}

func (a *paymentAPI) Claims(c echo.Context) error {
	return c.JSON(http.StatusOK, a.admin.Claims.Status())
}

func (a *paymentAPI) TriggerClaim(c echo.Context) error {
	channelID, err := parseChannelID(c.Param("channelId"))
	if err != nil {
		return sendError(c, payment.NewError(payment.CodeMalformedPayload, err))
	}
	queued := a.admin.Claims.Trigger(channelID)
	return c.JSON(http.StatusAccepted, TriggerResult{
		ChannelID: channelID.Hex(),
		Queued:    queued,
	})
}

func parseChannelID(s string) (common.Hash, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, errors.New("channel id must have 32 bytes")
	}
	return common.BytesToHash(raw), nil
}

func sendError(c echo.Context, err *payment.Error) error {
	return c.JSON(err.Code.HTTPStatus(), payment.ErrorBody{Code: err.Code, Message: err.Message})
}
