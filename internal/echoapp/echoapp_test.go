package echoapp

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/calindra/subrav/internal/billing"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/suite"
)

type EchoAppSuite struct {
	suite.Suite
	echo *echo.Echo
}

func TestEchoAppSuite(t *testing.T) {
	suite.Run(t, new(EchoAppSuite))
}

func (s *EchoAppSuite) SetupTest() {
	s.echo = echo.New()
	free := func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	Register(s.echo, free)
}

func (s *EchoAppSuite) serve(method string, target string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func (s *EchoAppSuite) TestDefaultRegistry() {
	registry, err := DefaultRegistry()
	s.Require().NoError(err)
	s.Equal([]string{"GET /echo", "GET /echo/stream", "POST /echo/upper"}, registry.Operations())

	echoRule, ok := registry.Lookup("GET /echo")
	s.Require().True(ok)
	s.Equal(billing.PerRequest, echoRule.Kind)
	s.Equal("100", echoRule.Price.String())

	streamRule, ok := registry.Lookup("GET /echo/stream")
	s.Require().True(ok)
	s.Equal(billing.PerUnit, streamRule.Kind)
	s.Equal("word", streamRule.Unit)
	s.True(streamRule.Deferred())

	upperRule, ok := registry.Lookup("POST /echo/upper")
	s.Require().True(ok)
	s.Equal(billing.FinalCost, upperRule.Kind)
}

func (s *EchoAppSuite) TestEcho() {
	rec := s.serve(http.MethodGet, "/echo?msg=hello", "")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"echo":"hello"}`, rec.Body.String())
}

func (s *EchoAppSuite) TestStream() {
	rec := s.serve(http.MethodGet, "/echo/stream?msg=hello+paid+world", "")
	s.Equal(http.StatusOK, rec.Code)
	s.Equal("text/event-stream", rec.Header().Get(echo.HeaderContentType))
	s.Equal("data: {\"word\":\"hello\"}\n\ndata: {\"word\":\"paid\"}\n\ndata: {\"word\":\"world\"}\n\n",
		rec.Body.String())

	rec = s.serve(http.MethodGet, "/echo/stream", "")
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *EchoAppSuite) TestUpper() {
	rec := s.serve(http.MethodPost, "/echo/upper", "ab 1")
	s.Equal(http.StatusOK, rec.Code)
	s.JSONEq(`{"echo":"AB 1"}`, rec.Body.String())

	rec = s.serve(http.MethodPost, "/echo/upper", strings.Repeat("a", MaxBodySize+1))
	s.Equal(http.StatusRequestEntityTooLarge, rec.Code)
}

func (s *EchoAppSuite) TestUpperCost() {
	s.Equal("0", UpperCost("").String())
	// two letters at 2, a space and a digit at 1, times 2 per char
	s.Equal("12", UpperCost("ab 1").String())
	s.Equal("8", UpperCost("éé").String())
}
