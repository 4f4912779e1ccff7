package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"stockwatch/internal/governor"
	"stockwatch/internal/monitor"
	"stockwatch/internal/product"
)

type intervalReq struct {
	Seconds int `json:"seconds"`
}

type limitReq struct {
	Limit int `json:"limit"`
}

type cartReq struct {
	product.Product
	CartURL string `json:"cartUrl"`
}

func (s *Server) handleGetProducts(c *gin.Context) {
	res := s.mon.GetProducts(c.Request.Context())
	c.JSON(statusFor(res.Result), res)
}

func (s *Server) handleStatus(c *gin.Context) {
	res := s.mon.GetMonitoringStatus(c.Request.Context())
	c.JSON(statusFor(res.Result), res)
}

func (s *Server) handlePurchaseStats(c *gin.Context) {
	res := s.mon.GetPurchaseStats(c.Request.Context())
	c.JSON(statusFor(res.Result), res)
}

func (s *Server) handleStart(c *gin.Context) {
	res := s.mon.StartMonitoring(c.Request.Context())
	c.JSON(statusFor(res), res)
}

func (s *Server) handleStop(c *gin.Context) {
	res := s.mon.StopMonitoring(c.Request.Context())
	c.JSON(statusFor(res), res)
}

func (s *Server) handleAddProduct(c *gin.Context) {
	var p product.Product
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	res := s.mon.AddProduct(c.Request.Context(), p)
	c.JSON(statusFor(res.Result), res)
}

func (s *Server) handleRemoveProduct(c *gin.Context) {
	url := strings.TrimSpace(c.Query("url"))
	if url == "" {
		badRequest(c, "url query parameter required")
		return
	}
	res := s.mon.RemoveProduct(c.Request.Context(), url)
	c.JSON(statusFor(res.Result), res)
}

func (s *Server) handleInterval(c *gin.Context) {
	var req intervalReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	res := s.mon.UpdateCheckInterval(c.Request.Context(), req.Seconds)
	c.JSON(statusFor(res), res)
}

func (s *Server) handleForceCheck(c *gin.Context) {
	res := s.mon.ForceCheck(c.Request.Context())
	c.JSON(statusFor(res.Result), res)
}

func (s *Server) handleResetPurchases(c *gin.Context) {
	res := s.mon.ResetPurchaseCount(c.Request.Context())
	c.JSON(statusFor(res.Result), res)
}

func (s *Server) handlePurchaseLimit(c *gin.Context) {
	var req limitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	res := s.mon.UpdatePurchaseLimit(c.Request.Context(), req.Limit)
	c.JSON(statusFor(res.Result), res)
}

func (s *Server) handleAddToCart(c *gin.Context) {
	var req cartReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	res := s.mon.AddToCart(c.Request.Context(), req.Product, req.CartURL)
	c.JSON(statusFor(res.Result), res)
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	res := s.mon.EmergencyStop(c.Request.Context())
	c.JSON(statusFor(res), res)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, monitor.Result{Success: false, Reason: governor.ReasonInvalidArgument, Error: msg})
}

// statusFor maps a result to an HTTP status. Rejections by a safety rule
// are conflicts; the body always carries the detail.
func statusFor(r monitor.Result) int {
	if r.Success {
		return http.StatusOK
	}
	switch r.Reason {
	case governor.ReasonInvalidArgument:
		return http.StatusBadRequest
	case governor.ReasonNotFound:
		return http.StatusNotFound
	case governor.ReasonResourceCeiling:
		return http.StatusServiceUnavailable
	case governor.ReasonAdapterFailure:
		return http.StatusBadGateway
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}
