// Copyright (c) Gabriel de Quadros Ligneul
// SPDX-License-Identifier: Apache-2.0 (see LICENSE)

// This package contains a priced echo application used for development.
// It exercises every billing strategy: a fixed price per request, a price
// per streamed word and a cost known only after the handler ran.
package echoapp

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"unicode"

	"github.com/calindra/subrav/internal/billing"
	"github.com/calindra/subrav/internal/service"
	"github.com/labstack/echo/v4"
)

//go:embed pricing.yaml
var pricing []byte

// CostPerChar is what POST /echo/upper charges per character of input.
// Letters cost double.
var CostPerChar = big.NewInt(2)

// MaxBodySize bounds the input of POST /echo/upper.
const MaxBodySize = 64 * 1024

// DefaultRegistry returns the pricing of the echo routes.
func DefaultRegistry() (*billing.Registry, error) {
	return billing.LoadRegistry(bytes.NewReader(pricing))
}

type echoAPI struct{}

type EchoResponse struct {
	Echo string `json:"echo"`
}

// Register the echo routes behind the payment middleware.
func Register(e *echo.Echo, payments echo.MiddlewareFunc) {
	api := echoAPI{}
	e.GET("/echo", api.Echo, payments)
	e.GET("/echo/stream", api.Stream, payments)
	e.POST("/echo/upper", api.Upper, payments)
}

func (echoAPI) Echo(c echo.Context) error {
	return c.JSON(http.StatusOK, EchoResponse{Echo: c.QueryParam("msg")})
}

// Stream sends one server-sent event per word of msg and charges per word.
func (echoAPI) Stream(c echo.Context) error {
	words := strings.Fields(c.QueryParam("msg"))
	if len(words) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "missing msg")
	}
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.WriteHeader(http.StatusOK)
	sent := uint64(0)
	for _, word := range words {
		select {
		case <-c.Request().Context().Done():
			service.SetUsage(c, sent)
			return nil
		default:
		}
		if _, err := fmt.Fprintf(res, "data: {\"word\":%q}\n\n", word); err != nil {
			break
		}
		res.Flush()
		sent++
	}
	service.SetUsage(c, sent)
	return nil
}

// Upper upper-cases the request body. Its cost depends on the content.
func (echoAPI) Upper(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, MaxBodySize+1))
	if err != nil {
		return err
	}
	if len(body) > MaxBodySize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "body too large")
	}
	text := string(body)
	service.SetCost(c, UpperCost(text))
	return c.JSON(http.StatusOK, EchoResponse{Echo: strings.ToUpper(text)})
}

// UpperCost is the price of upper-casing text.
func UpperCost(text string) *big.Int {
	weight := int64(0)
	for _, r := range text {
		if unicode.IsLetter(r) {
			weight += 2
		} else {
			weight++
		}
	}
	return new(big.Int).Mul(CostPerChar, big.NewInt(weight))
}
