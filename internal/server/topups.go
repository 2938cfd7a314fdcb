package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetTopupReceipt streams the PDF receipt for a completed top-up. Pending,
// failed and expired top-ups have no receipt and answer with a conflict.
func (s *Server) GetTopupReceipt(c *gin.Context) {
	orgID, err := orgIDFromRequest(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	topupID, err := parsePathID(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	pdfBytes, err := s.topups.RenderReceipt(c.Request.Context(), orgID, topupID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "topup-"+topupID.String()+".pdf"))
	c.Data(http.StatusOK, "application/pdf", pdfBytes)
}
