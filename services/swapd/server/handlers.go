package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"ledgerswap/services/swapd/orchestrator"
	"ledgerswap/services/swapd/rates"
	"ledgerswap/services/swapd/settlement"
	"ledgerswap/services/swapd/swaperr"
)

type nativeToAssetRequest struct {
	RequesterKey    string                     `json:"requesterKey"`
	NativeAmount    decimal.Decimal            `json:"nativeAmount"`
	TargetAssetName string                     `json:"targetAssetName"`
	RateTable       map[string]decimal.Decimal `json:"rateTable,omitempty"`
}

type assetToNativeRequest struct {
	RequesterKey      string                     `json:"requesterKey"`
	SourceAssetAmount decimal.Decimal            `json:"sourceAssetAmount"`
	SourceAssetName   string                     `json:"sourceAssetName"`
	RateTable         map[string]decimal.Decimal `json:"rateTable,omitempty"`
}

type legView struct {
	Index  int    `json:"index"`
	Role   string `json:"role"`
	State  string `json:"state"`
	TxID   string `json:"txId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// swapResponse is the body of every settlement response. Error is set for
// anything short of Confirmed or Pending.
type swapResponse struct {
	Error             string      `json:"error,omitempty"`
	ErrorLeg          *int        `json:"errorLeg,omitempty"`
	Detail            string      `json:"detail,omitempty"`
	SettlementPlanRef string      `json:"settlementPlanRef"`
	Status            string      `json:"status"`
	Direction         string      `json:"direction"`
	Requester         string      `json:"requester"`
	SourceAsset       string      `json:"sourceAsset"`
	TargetAsset       string      `json:"targetAsset"`
	Legs              []legView   `json:"legs"`
	ConfirmedLegs     []int       `json:"confirmedLegs"`
	Signatures        []string    `json:"signatures"`
	Quote             rates.Quote `json:"quote"`
	Timestamp         time.Time   `json:"timestamp"`
}

func (s *Server) handleNativeToAsset(w http.ResponseWriter, r *http.Request) {
	var body nativeToAssetRequest
	if !s.decode(w, r, &body) {
		return
	}
	s.swap(w, r, orchestrator.Request{
		Direction:    orchestrator.NativeToAsset,
		RequesterKey: body.RequesterKey,
		Asset:        body.TargetAssetName,
		Amount:       body.NativeAmount,
		RateTable:    body.RateTable,
	})
}

func (s *Server) handleAssetToNative(w http.ResponseWriter, r *http.Request) {
	var body assetToNativeRequest
	if !s.decode(w, r, &body) {
		return
	}
	s.swap(w, r, orchestrator.Request{
		Direction:    orchestrator.AssetToNative,
		RequesterKey: body.RequesterKey,
		Asset:        body.SourceAssetName,
		Amount:       body.SourceAssetAmount,
		RateTable:    body.RateTable,
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, string(swaperr.InvalidRequest), "invalid payload: "+err.Error())
		return false
	}
	return true
}

func (s *Server) swap(w http.ResponseWriter, r *http.Request, req orchestrator.Request) {
	if subject, ok := RequesterFromContext(r.Context()); ok && subject != req.RequesterKey {
		writeError(w, http.StatusForbidden, "Forbidden", "token subject does not match requesterKey")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	res, err := s.deps.Swaps.Swap(ctx, req)
	if err != nil && res.Ref == "" {
		s.writeSwapError(w, err)
		return
	}
	s.writeResult(w, res, err)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Swaps.Get(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	if subject, ok := RequesterFromContext(r.Context()); ok && subject != res.Requester {
		writeError(w, http.StatusNotFound, "NotFound", "settlement not found")
		return
	}
	s.writeResult(w, res, nil)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	res, err := s.deps.Swaps.Reconcile(ctx, chi.URLParam(r, "ref"))
	if err != nil {
		s.writeLookupError(w, err)
		return
	}
	principal, _ := PrincipalFromContext(r.Context())
	if principal != nil {
		s.logger.Info("manual reconcile", "ref", res.Ref, "method", principal.Method, "status", string(res.Outcome.Status))
	}
	s.writeResult(w, res, nil)
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error) {
	if swaperr.Is(err, swaperr.InvalidRequest) {
		writeError(w, http.StatusNotFound, "NotFound", "settlement not found")
		return
	}
	s.writeSwapError(w, err)
}

// writeSwapError reports a failure that happened before anything was
// submitted.
func (s *Server) writeSwapError(w http.ResponseWriter, err error) {
	kind := swaperr.KindOf(err)
	status := statusForKind(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("swap failed", "error_kind", string(kind), "error", err)
	}
	writeError(w, status, string(kind), err.Error())
}

// writeResult reports a submitted settlement. err is the error of a Failed
// outcome, if any.
func (s *Server) writeResult(w http.ResponseWriter, res orchestrator.Result, err error) {
	body := resultView(res)
	status := http.StatusOK
	switch res.Outcome.Status {
	case settlement.Confirmed:
	case settlement.Pending:
		status = http.StatusAccepted
	case settlement.PartiallyConfirmed:
		status = http.StatusInternalServerError
		body.Error = string(swaperr.PartialSettlement)
	case settlement.Failed:
		if err == nil {
			err = res.Outcome.Err
		}
		kind := swaperr.KindOf(err)
		status = statusForKind(kind)
		body.Error = string(kind)
	}
	if outErr := res.Outcome.Err; outErr != nil {
		body.Detail = outErr.Error()
		var typed *swaperr.Error
		if errors.As(outErr, &typed) && typed.Leg != swaperr.NoLeg {
			leg := typed.Leg
			body.ErrorLeg = &leg
		}
	}
	writeJSON(w, status, body)
}

func resultView(res orchestrator.Result) swapResponse {
	body := swapResponse{
		SettlementPlanRef: res.Ref,
		Status:            string(res.Outcome.Status),
		Direction:         string(res.Direction),
		Requester:         res.Requester,
		SourceAsset:       res.Plan.Source.Name,
		TargetAsset:       res.Plan.Target.Name,
		Legs:              make([]legView, 0, len(res.Outcome.Legs)),
		ConfirmedLegs:     res.Outcome.ConfirmedLegs(),
		Signatures:        res.Outcome.Signatures(),
		Quote:             res.Quote,
		Timestamp:         res.CreatedAt.UTC(),
	}
	for _, leg := range res.Outcome.Legs {
		body.Legs = append(body.Legs, legView{
			Index:  leg.Index,
			Role:   string(leg.Role),
			State:  string(leg.State),
			TxID:   leg.TxID,
			Reason: leg.Reason,
		})
	}
	return body
}

func statusForKind(kind swaperr.Kind) int {
	switch kind {
	case swaperr.PairNotSupported, swaperr.InvalidRequest, swaperr.AssetNotFound:
		return http.StatusBadRequest
	case swaperr.StoreUnavailable:
		return http.StatusServiceUnavailable
	case swaperr.Canceled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
