package server

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/omnichainlabs/bridgeguard/internal/circuitbreaker"
	"github.com/omnichainlabs/bridgeguard/internal/fraud"
	"github.com/omnichainlabs/bridgeguard/internal/message"
	"github.com/omnichainlabs/bridgeguard/internal/metrics"
	"github.com/omnichainlabs/bridgeguard/internal/pipeline"
	"github.com/omnichainlabs/bridgeguard/internal/recovery"
	"github.com/omnichainlabs/bridgeguard/internal/retry"
	"github.com/omnichainlabs/bridgeguard/internal/security"
	"github.com/omnichainlabs/bridgeguard/internal/validation"
)

// hexToBytes decodes a hex field, tolerating a 0x prefix. Callers must
// have validated length and charset first.
func hexToBytes(s string) []byte {
	s = strings.TrimPrefix(s, "0x")
	b, _ := hex.DecodeString(s)
	return b
}

type inboundRequest struct {
	Sender      string  `json:"sender"`
	SourceChain uint64  `json:"sourceChain"`
	DestChain   uint64  `json:"destChain"`
	Recipient   string  `json:"recipient"`
	Amount      uint64  `json:"amount"`
	Payload     string  `json:"payload,omitempty"`
	Nonce       uint64  `json:"nonce"`
	Signature   string  `json:"signature"`
	RecoveryID  uint8   `json:"recoveryId"`
	GasLimit    uint64  `json:"gasLimit"`
	RouteHops   uint8   `json:"routeHops,omitempty"`
	Reputation  *uint16 `json:"reputation,omitempty"`
}

func (s *Server) inboundHandler(c *gin.Context) {
	var req inboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	errs := validation.Validate(
		validation.Required("sender", req.Sender),
		validation.ValidHexBytes("sender", req.Sender, 20),
		validation.Required("recipient", req.Recipient),
		validation.ValidHexBytes("recipient", req.Recipient, 20, 32),
		validation.Required("signature", req.Signature),
		validation.ValidSignature("signature", req.Signature),
	)
	if req.Payload != "" {
		if !validation.IsValidHex(strings.TrimPrefix(req.Payload, "0x")) {
			errs = append(errs, validation.ValidationError{Field: "payload", Message: "must be hex encoded"})
		}
	}
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	var sig [64]byte
	copy(sig[:], hexToBytes(req.Signature))

	in := pipeline.Instruction{
		Sender:      hexToBytes(req.Sender),
		SourceChain: req.SourceChain,
		DestChain:   req.DestChain,
		Recipient:   hexToBytes(req.Recipient),
		Amount:      req.Amount,
		Payload:     hexToBytes(req.Payload),
		Nonce:       req.Nonce,
		Signature:   sig,
		RecoveryID:  req.RecoveryID,
		GasLimit:    req.GasLimit,
		RouteHops:   req.RouteHops,
		Reputation:  req.Reputation,
	}

	out, err := s.pipe.Process(c.Request.Context(), in)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pipeline failure"})
		return
	}
	metrics.InstructionsTotal.WithLabelValues("inbound").Inc()
	c.JSON(statusForVerdict(out.Verdict), out)
}

type outboundRequest struct {
	DestChain uint64 `json:"destChain"`
	Recipient string `json:"recipient"`
	Payload   string `json:"payload,omitempty"`
	GasLimit  uint64 `json:"gasLimit"`
}

func (s *Server) outboundHandler(c *gin.Context) {
	var req outboundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	errs := validation.Validate(
		validation.Required("recipient", req.Recipient),
		validation.ValidHexBytes("recipient", req.Recipient, 20, 32),
	)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	out, err := s.pipe.ProcessOutbound(c.Request.Context(), message.Outbound{
		DestChain: req.DestChain,
		Recipient: hexToBytes(req.Recipient),
		Payload:   hexToBytes(req.Payload),
		GasLimit:  req.GasLimit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "pipeline failure"})
		return
	}
	metrics.InstructionsTotal.WithLabelValues("outbound").Inc()
	c.JSON(statusForVerdict(out.Verdict), out)
}

// statusForVerdict maps verdicts onto HTTP codes. Rejection is the
// caller's fault, pending recovery means the request was taken on.
func statusForVerdict(v pipeline.Verdict) int {
	switch v {
	case pipeline.VerdictRejected:
		return http.StatusUnprocessableEntity
	case pipeline.VerdictPendingRecovery:
		return http.StatusAccepted
	default:
		return http.StatusOK
	}
}

type verifyRequest struct {
	Digest     string `json:"digest"`
	Signature  string `json:"signature"`
	RecoveryID uint8  `json:"recoveryId"`
}

func (s *Server) verifyHandler(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	errs := validation.Validate(
		validation.Required("digest", req.Digest),
		validation.ValidHexBytes("digest", req.Digest, 32),
		validation.Required("signature", req.Signature),
		validation.ValidSignature("signature", req.Signature),
	)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	var digest [32]byte
	var sig [64]byte
	copy(digest[:], hexToBytes(req.Digest))
	copy(sig[:], hexToBytes(req.Signature))

	// Verification failures are answers, not faults, so err never maps
	// to a 5xx here.
	ok, err := s.verifier.Verify(digest, sig, req.RecoveryID)
	result := "valid"
	if !ok {
		result = "invalid"
	}
	metrics.SignatureVerificationsTotal.WithLabelValues(result).Inc()
	resp := gin.H{"valid": ok}
	if err != nil {
		resp["reason"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

type verifyBatchRequest struct {
	Items []verifyRequest `json:"items"`
}

func (s *Server) verifyBatchHandler(c *gin.Context) {
	var req verifyBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "items is required"})
		return
	}
	if len(req.Items) > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many items, max 100"})
		return
	}

	digests := make([][32]byte, len(req.Items))
	sigs := make([][64]byte, len(req.Items))
	recoveryIDs := make([]byte, len(req.Items))
	for i, item := range req.Items {
		errs := validation.Validate(
			validation.ValidHexBytes("digest", item.Digest, 32),
			validation.ValidSignature("signature", item.Signature),
		)
		if item.Digest == "" || item.Signature == "" || len(errs) > 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid item", "index": i})
			return
		}
		copy(digests[i][:], hexToBytes(item.Digest))
		copy(sigs[i][:], hexToBytes(item.Signature))
		recoveryIDs[i] = item.RecoveryID
	}

	err := s.verifier.VerifyBatch(digests, sigs, recoveryIDs)
	resp := gin.H{"valid": err == nil, "count": len(req.Items)}
	if err != nil {
		resp["reason"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

type analyzeRequest struct {
	OperationType uint8   `json:"operationType"`
	SourceChain   uint64  `json:"sourceChain"`
	DestChain     uint64  `json:"destChain"`
	Value         uint64  `json:"value"`
	UserAddress   string  `json:"userAddress"`
	Reputation    *uint16 `json:"reputation,omitempty"`
	RouteHops     uint8   `json:"routeHops,omitempty"`
}

func (s *Server) analyzeHandler(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	errs := validation.Validate(
		validation.Required("userAddress", req.UserAddress),
		validation.ValidHexBytes("userAddress", req.UserAddress, 20),
	)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "details": errs})
		return
	}

	opType := fraud.OperationType(req.OperationType)
	if opType == 0 {
		opType = fraud.OpCrossChainTransfer
	}

	analysis := s.engine.Analyze(c.Request.Context(), fraud.Operation{
		Type:        opType,
		SourceChain: req.SourceChain,
		DestChain:   req.DestChain,
		Value:       req.Value,
		UserAddress: hexToBytes(req.UserAddress),
		Reputation:  req.Reputation,
		RouteHops:   req.RouteHops,
	})
	metrics.RiskScore.Set(float64(analysis.RiskScore))
	c.JSON(http.StatusOK, analysis)
}

func (s *Server) assessmentsHandler(c *gin.Context) {
	address := c.Param("address")

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-100"})
			return
		}
		limit = n
	}

	userHash := fraud.HashAddress(common.HexToAddress(address).Bytes())
	assessments, err := s.fraudStore.ListByUser(c.Request.Context(), userHash, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list assessments"})
		return
	}
	if assessments == nil {
		assessments = []*fraud.Assessment{}
	}
	c.JSON(http.StatusOK, gin.H{
		"address":     address,
		"assessments": assessments,
	})
}

func (s *Server) retrySessionHandler(c *gin.Context) {
	sess, err := s.pipe.Retries().Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) retryAttemptHandler(c *gin.Context) {
	sess, err := s.pipe.DriveRetry(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, sess)
	case errors.Is(err, retry.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, retry.ErrNotDue):
		c.JSON(http.StatusConflict, gin.H{"error": "next attempt is not due yet"})
	case errors.Is(err, retry.ErrNotScheduled):
		c.JSON(http.StatusConflict, gin.H{"error": "session is not scheduled"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attempt failed"})
	}
}

func (s *Server) recoverySessionHandler(c *gin.Context) {
	sess, err := s.pipe.Recoveries().Session(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) recoveryAttemptHandler(c *gin.Context) {
	sess, err := s.pipe.DriveRecovery(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, sess)
	case errors.Is(err, recovery.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
	case errors.Is(err, recovery.ErrNotInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "session is not in progress"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attempt failed"})
	}
}

func (s *Server) pipelineStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipe.Stats())
}

func (s *Server) circuitStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.breaker.Stats())
}

func (s *Server) verifierStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.verifier.Stats())
}

func (s *Server) fraudStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

func (s *Server) retryStatsHandler(c *gin.Context) {
	stats := s.pipe.Retries().Stats()
	metrics.RetrySessionsActive.Set(float64(stats.ActiveSessions))
	c.JSON(http.StatusOK, stats)
}

func (s *Server) recoveryStatsHandler(c *gin.Context) {
	stats := s.pipe.Recoveries().Stats()
	metrics.RecoverySessionsActive.Set(float64(stats.ActiveSessions))
	c.JSON(http.StatusOK, stats)
}

func (s *Server) checkpointStatsHandler(c *gin.Context) {
	resp := gin.H{"total": s.checkpoints.Total()}
	if latest, ok := s.checkpoints.Latest(); ok {
		resp["latest"] = latest
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) realtimeStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

type circuitOverrideRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) circuitOverrideHandler(c *gin.Context) {
	var req circuitOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}
	s.breaker.SetManualOverride(*req.Enabled)
	s.logger.Warn("circuit manual override", "enabled", *req.Enabled)
	c.JSON(http.StatusOK, s.breaker.Stats())
}

func (s *Server) circuitConfigHandler(c *gin.Context) {
	var cfg circuitbreaker.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s.breaker.SetConfig(cfg)
	c.JSON(http.StatusOK, s.breaker.Config())
}

func (s *Server) fraudConfigHandler(c *gin.Context) {
	var cfg fraud.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if cfg.RiskThreshold > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "riskThreshold must be 0-1000"})
		return
	}
	s.engine.SetConfig(cfg)
	c.JSON(http.StatusOK, s.engine.Config())
}

func (s *Server) fraudResetHandler(c *gin.Context) {
	s.engine.Reset()
	s.logger.Warn("fraud engine reset")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

type retryConfigRequest struct {
	retry.Config
	Adaptive *bool `json:"adaptive,omitempty"`
}

func (s *Server) retryConfigHandler(c *gin.Context) {
	var req retryConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Config.MaxAttempts > 0 {
		s.pipe.Retries().SetConfig(req.Config)
	}
	if req.Adaptive != nil {
		s.pipe.Retries().SetAdaptive(*req.Adaptive)
	}
	c.JSON(http.StatusOK, s.pipe.Retries().Config())
}

func (s *Server) recoveryConfigHandler(c *gin.Context) {
	var cfg recovery.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	s.pipe.Recoveries().SetConfig(cfg)
	c.JSON(http.StatusOK, s.pipe.Recoveries().Config())
}

func (s *Server) retryPauseHandler(c *gin.Context) {
	s.retrySessionAction(c, s.pipe.Retries().Pause, "paused")
}

func (s *Server) retryResumeHandler(c *gin.Context) {
	s.retrySessionAction(c, s.pipe.Retries().Resume, "resumed")
}

func (s *Server) retryCancelHandler(c *gin.Context) {
	s.retrySessionAction(c, s.pipe.Retries().Cancel, "cancelled")
}

func (s *Server) retrySessionAction(c *gin.Context, action func(string) error, status string) {
	id := c.Param("id")
	if err := action(id); err != nil {
		if errors.Is(err, retry.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": status})
}

func (s *Server) recoveryCancelHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.pipe.Recoveries().Cancel(id); err != nil {
		if errors.Is(err, recovery.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "cancelled"})
}

type authorityRequest struct {
	Address string `json:"address"`
}

func (s *Server) authorityHandler(c *gin.Context) {
	var req authorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be a valid Ethereum address"})
		return
	}
	s.verifier.SetAuthority(common.HexToAddress(req.Address))
	s.logger.Warn("authority rotated", "address", req.Address)
	c.JSON(http.StatusOK, gin.H{"authority": s.verifier.Authority().Hex()})
}

func (s *Server) checkpointHandler(c *gin.Context) {
	cp := s.checkpoints.Create(recovery.CheckpointEmergency, s.stateMetrics())
	s.logger.Info("manual checkpoint created", "id", cp.ID)
	c.JSON(http.StatusCreated, cp)
}

// stateMetrics derives a checkpoint snapshot from component telemetry.
func (s *Server) stateMetrics() recovery.StateMetrics {
	ps := s.pipe.Stats()
	vs := s.verifier.Stats()
	score := uint8(100)
	if s.breaker.State() != circuitbreaker.StateClosed {
		score = 60
	}
	return recovery.StateMetrics{
		TotalTokens:     ps.Accepted,
		ActiveTransfers: uint32(ps.InFlight),
		UniqueUsers:     uint32(vs.NoncesAdopted),
		UptimeSeconds:   uint64(time.Since(s.startedAt).Seconds()),
		IntegrityScore:  score,
	}
}

type relayRequest struct {
	URL string `json:"url"`
}

func (s *Server) relayEndpointHandler(c *gin.Context) {
	var req relayRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if s.relay == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "executor does not support relay endpoints"})
		return
	}
	s.relay.SetEndpoint(req.URL)
	s.logger.Info("relay endpoint updated", "url", req.URL)
	c.JSON(http.StatusOK, gin.H{"url": req.URL})
}
