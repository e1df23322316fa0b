// Package api exposes the HTTP surface: phone authentication, payments
// and wallet queries. Responses are camelCase JSON; errors use a stable
// envelope of errorCode, message and traceId.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/pingpay/pingpay/internal/auth"
	"github.com/pingpay/pingpay/internal/cache"
	"github.com/pingpay/pingpay/internal/errs"
	"github.com/pingpay/pingpay/internal/payments"
	"github.com/pingpay/pingpay/internal/store"
)

const (
	ctxUserID    = "userID"
	ctxRequestID = "requestID"
)

// Server wires the handlers.
type Server struct {
	auth     *auth.Service
	engine   *payments.Engine
	wallets  *store.WalletRepo
	balances *cache.BalanceCache
	tokens   *auth.TokenIssuer
	registry *prometheus.Registry
	log      *logrus.Entry
}

// Deps carries the server's collaborators.
type Deps struct {
	Auth     *auth.Service
	Engine   *payments.Engine
	Wallets  *store.WalletRepo
	Balances *cache.BalanceCache
	Tokens   *auth.TokenIssuer
	Registry *prometheus.Registry
	Log      *logrus.Entry
}

// New builds the server.
func New(deps Deps) *Server {
	return &Server{
		auth:     deps.Auth,
		engine:   deps.Engine,
		wallets:  deps.Wallets,
		balances: deps.Balances,
		tokens:   deps.Tokens,
		registry: deps.Registry,
		log:      deps.Log,
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.accessLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")
	{
		api.POST("/auth/request-otp", s.handleRequestOTP)
		api.POST("/auth/verify-otp", s.handleVerifyOTP)

		authed := api.Group("", s.requireAuth())
		{
			authed.POST("/payments/send", s.handleSend)
			authed.GET("/payments/history", s.handleHistory)
			authed.GET("/payments/:id", s.handleGetPayment)
			authed.POST("/wallet/withdraw", s.handleWithdraw)
			authed.GET("/wallet/balance", s.handleBalance)
		}
	}
	return r
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"took":       time.Since(start).String(),
			"request_id": c.GetString(ctxRequestID),
		}).Info("request")
	}
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		const prefix = "Bearer "
		header := c.GetHeader("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			s.abort(c, errs.New(errs.CodeUnauthorized, "missing bearer token"))
			return
		}
		userID, _, err := s.tokens.Verify(header[len(prefix):])
		if err != nil {
			s.abort(c, err)
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func (s *Server) abort(c *gin.Context, err error) {
	code := errs.CodeOf(err)
	message := "something went wrong"
	var details map[string]interface{}
	var tagged *errs.Error
	if errors.As(err, &tagged) && errs.Public(code) {
		message = tagged.Message
		details = tagged.Details
	}
	if !errs.Public(code) {
		s.log.WithError(err).WithField("request_id", c.GetString(ctxRequestID)).Error("request failed")
	}
	body := gin.H{
		"errorCode": string(code),
		"message":   message,
		"traceId":   c.GetString(ctxRequestID),
	}
	if len(details) > 0 {
		body["details"] = details
	}
	c.AbortWithStatusJSON(errs.HTTPStatus(code), body)
}

func (s *Server) userID(c *gin.Context) uuid.UUID {
	return c.MustGet(ctxUserID).(uuid.UUID)
}

type requestOTPBody struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
}

func (s *Server) handleRequestOTP(c *gin.Context) {
	var body requestOTPBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abort(c, errs.New(errs.CodeValidation, "phoneNumber is required"))
		return
	}
	if err := s.auth.RequestOTP(c.Request.Context(), body.PhoneNumber); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "sent"})
}

type verifyOTPBody struct {
	PhoneNumber string `json:"phoneNumber" binding:"required"`
	Code        string `json:"code" binding:"required"`
}

func (s *Server) handleVerifyOTP(c *gin.Context) {
	var body verifyOTPBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abort(c, errs.New(errs.CodeValidation, "phoneNumber and code are required"))
		return
	}
	session, err := s.auth.VerifyOTP(c.Request.Context(), body.PhoneNumber, body.Code)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":     session.Token,
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
		"userId":    session.UserID,
		"newUser":   session.NewUser,
	})
}

type sendBody struct {
	RecipientPhone string `json:"recipientPhone" binding:"required"`
	Amount         string `json:"amount" binding:"required"`
	Token          string `json:"token" binding:"required"`
	IdempotencyKey string `json:"idempotencyKey" binding:"required"`
}

func (s *Server) handleSend(c *gin.Context) {
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abort(c, errs.New(errs.CodeValidation, "recipientPhone, amount, token and idempotencyKey are required"))
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		s.abort(c, errs.New(errs.CodeValidation, "amount is not a valid number"))
		return
	}
	tx, err := s.engine.Send(c.Request.Context(), payments.SendRequest{
		SenderID:       s.userID(c),
		ReceiverPhone:  body.RecipientPhone,
		Amount:         amount,
		Token:          body.Token,
		IdempotencyKey: body.IdempotencyKey,
		RequestID:      c.GetString(ctxRequestID),
		IPAddress:      c.ClientIP(),
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, txView(tx))
}

type withdrawBody struct {
	DestinationAddress string `json:"destinationAddress" binding:"required"`
	Amount             string `json:"amount" binding:"required"`
	Token              string `json:"token" binding:"required"`
	IdempotencyKey     string `json:"idempotencyKey" binding:"required"`
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var body withdrawBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.abort(c, errs.New(errs.CodeValidation, "destinationAddress, amount, token and idempotencyKey are required"))
		return
	}
	amount, err := decimal.NewFromString(body.Amount)
	if err != nil {
		s.abort(c, errs.New(errs.CodeValidation, "amount is not a valid number"))
		return
	}
	tx, err := s.engine.Withdraw(c.Request.Context(), payments.WithdrawRequest{
		UserID:          s.userID(c),
		ExternalAddress: body.DestinationAddress,
		Amount:          amount,
		Token:           body.Token,
		IdempotencyKey:  body.IdempotencyKey,
		RequestID:       c.GetString(ctxRequestID),
		IPAddress:       c.ClientIP(),
	})
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, txView(tx))
}

func (s *Server) handleHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	txs, err := s.engine.History(c.Request.Context(), s.userID(c), limit, offset)
	if err != nil {
		s.abort(c, err)
		return
	}
	views := make([]gin.H, 0, len(txs))
	for i := range txs {
		views = append(views, txView(&txs[i]))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": views})
}

func (s *Server) handleGetPayment(c *gin.Context) {
	txID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.abort(c, errs.New(errs.CodeValidation, "invalid transaction id"))
		return
	}
	tx, err := s.engine.GetTransaction(c.Request.Context(), s.userID(c), txID)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, txView(tx))
}

func (s *Server) handleBalance(c *gin.Context) {
	force := c.Query("refresh") == "true"

	wallet, err := s.wallets.GetByUserID(c.Request.Context(), s.userID(c))
	if err != nil {
		s.abort(c, err)
		return
	}
	balances, err := s.balances.GetAllBalances(c.Request.Context(), wallet.PublicKey, force)
	if err != nil {
		s.abort(c, errs.Wrap(err, errs.CodeInternal, "could not load balances"))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"publicKey": wallet.PublicKey,
		"usdc":      balances.USDC.String(),
		"usdt":      balances.USDT.String(),
		"sol":       balances.SOL.String(),
		"fetchedAt": balances.FetchedAt.UTC().Format(time.RFC3339),
	})
}

func txView(tx *store.Transaction) gin.H {
	view := gin.H{
		"transactionId": tx.ID,
		"amount":        tx.Amount.String(),
		"token":         tx.Token,
		"type":          string(tx.Type),
		"status":        string(tx.Status),
		"createdAt":     tx.CreatedAt.UTC().Format(time.RFC3339),
	}
	if tx.SolanaSignature != nil {
		view["signature"] = *tx.SolanaSignature
	}
	if tx.ConfirmedAt != nil {
		view["confirmedAt"] = tx.ConfirmedAt.UTC().Format(time.RFC3339)
	}
	if tx.ExternalAddress != nil {
		view["externalAddress"] = *tx.ExternalAddress
	}
	if tx.ErrorCode != nil {
		view["errorCode"] = *tx.ErrorCode
	}
	if tx.ErrorMessage != nil {
		view["errorMessage"] = *tx.ErrorMessage
	}
	return view
}
