package server

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/gatebox-dev/gatebox/internal/protocol"
	"github.com/gatebox-dev/gatebox/pkg/adaptor"
)

// handleMessages serves POST /v1/messages. The Anthropic body is converted to
// the internal request shape before validation so both endpoints share one
// policy and pipeline path.
func (s *Server) handleMessages(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		verr := &protocol.ValidationError{Message: "failed to read request body"}
		c.JSON(protocol.HTTPStatus(verr), protocol.NewErrorResponse(verr))
		return
	}

	streaming := gjson.GetBytes(body, "stream").Bool()

	var wire adaptor.AnthropicRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		verr := &protocol.ValidationError{Message: "invalid request body: " + err.Error()}
		c.JSON(protocol.HTTPStatus(verr), protocol.NewErrorResponse(verr))
		return
	}
	req, err := adaptor.ConvertAnthropicRequest(&wire)
	if err != nil {
		c.JSON(protocol.HTTPStatus(err), protocol.NewErrorResponse(err))
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(protocol.HTTPStatus(err), protocol.NewErrorResponse(err))
		return
	}

	s.proxy(c, protocol.WireFormatAnthropic, req, body, streaming)
}
