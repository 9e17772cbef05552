package server

import (
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// handleChatCompletions serves POST /v1/chat/completions.
func (s *Server) handleChatCompletions(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		verr := &protocol.ValidationError{Message: "failed to read request body"}
		c.JSON(protocol.HTTPStatus(verr), protocol.NewErrorResponse(verr))
		return
	}

	// Streaming is decided before binding so the dispatch cannot disagree
	// with a partially bound body.
	streaming := gjson.GetBytes(body, "stream").Bool()

	var req protocol.Request
	if err := json.Unmarshal(body, &req); err != nil {
		verr := &protocol.ValidationError{Message: "invalid request body: " + err.Error()}
		c.JSON(protocol.HTTPStatus(verr), protocol.NewErrorResponse(verr))
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(protocol.HTTPStatus(err), protocol.NewErrorResponse(err))
		return
	}

	s.proxy(c, protocol.WireFormatOpenAI, &req, body, streaming)
}
