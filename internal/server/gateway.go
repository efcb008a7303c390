package server

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/observability"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
)

const maxBodyBytes = 1 << 20

type gateway struct {
	svc     StakingServer
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewHTTPHandler builds the HTTP/JSON surface: the /v1 routes on a
// grpc-gateway ServeMux, plus /healthz and /readyz.
func NewHTTPHandler(svc StakingServer, hc *observability.HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) (http.Handler, error) {
	gw := &gateway{svc: svc, metrics: metrics, logger: logger}
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		pattern string
		h       runtime.HandlerFunc
	}{
		{"GET", "/v1/pool", serve(gw, "pool", noBind[PoolRequest], svc.GetPool)},
		{"GET", "/v1/pool/rate", serve(gw, "pool_rate", noBind[PoolRequest], svc.GetRate)},
		{"GET", "/v1/pool/solvency", serve(gw, "pool_solvency", noBind[PoolRequest], svc.GetSolvency)},
		{"GET", "/v1/stakes/{account}", serve(gw, "stake", bindAccount, svc.GetStake)},
		{"GET", "/v1/stakes/{account}/reward", serve(gw, "stake_reward", bindAccount, svc.GetReward)},
		{"GET", "/v1/stakes/{account}/history", serve(gw, "stake_history", bindHistory, svc.GetHistory)},
		{"GET", "/v1/receipts/{account}", serve(gw, "receipt", bindAccount, svc.GetReceipt)},
		{"GET", "/v1/estimate", serve(gw, "estimate", bindEstimate, svc.Estimate)},

		{"POST", "/v1/stake", serve(gw, "stake_op", bindBody[StakeRequest], svc.Stake)},
		{"POST", "/v1/unstake", serve(gw, "unstake", bindBody[StakeRequest], svc.Unstake)},
		{"POST", "/v1/emergency-withdraw", serve(gw, "emergency_withdraw", bindBody[StakeRequest], svc.EmergencyWithdraw)},

		{"POST", "/v1/admin/pause", serve(gw, "admin_pause", bindBody[AdminRequest], svc.SetPaused)},
		{"POST", "/v1/admin/max-cap", serve(gw, "admin_max_cap", bindBody[AdminRequest], svc.SetMaxCap)},
		{"POST", "/v1/admin/reward-rate", serve(gw, "admin_reward_rate", bindBody[AdminRequest], svc.SetRewardRate)},
		{"POST", "/v1/admin/rate-bounds", serve(gw, "admin_rate_bounds", bindBody[AdminRequest], svc.SetRateBounds)},
		{"POST", "/v1/admin/min-stake", serve(gw, "admin_min_stake", bindBody[AdminRequest], svc.SetMinStakeAmount)},
		{"POST", "/v1/admin/lockup", serve(gw, "admin_lockup", bindBody[AdminRequest], svc.SetLockupPeriod)},
		{"POST", "/v1/admin/fund", serve(gw, "admin_fund", bindBody[AdminRequest], svc.FundRewards)},
		{"POST", "/v1/admin/admin", serve(gw, "admin_transfer", bindBody[AdminRequest], svc.TransferAdmin)},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

// serve binds the request, calls the service and writes the JSON reply.
func serve[Req, Resp any](gw *gateway, endpoint string, bind func(*Req, *http.Request, map[string]string) error, call func(context.Context, *Req) (*Resp, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()

		req := new(Req)
		err := bind(req, r, params)
		var resp *Resp
		if err == nil {
			resp, err = call(r.Context(), req)
		}

		outcome := "ok"
		if err != nil {
			outcome = string(core.CodeOf(err))
			gw.writeError(w, err)
		} else {
			gw.writeJSON(w, http.StatusOK, resp)
		}

		if gw.metrics != nil {
			gw.metrics.QueryRequests.WithLabelValues(endpoint, outcome).Inc()
			gw.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
			if err != nil {
				gw.metrics.QueryErrors.WithLabelValues(endpoint, outcome).Inc()
			}
		}
	}
}

func (gw *gateway) writeJSON(w http.ResponseWriter, code int, v any) {
	data, err := builtin.Marshal(v)
	if err != nil {
		gw.logger.Error().Err(err).Msg("encode response")
		http.Error(w, `{"code":"ExternalFailure","kind":"external","message":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", builtin.ContentType(v))
	w.WriteHeader(code)
	w.Write(data)
}

func (gw *gateway) writeError(w http.ResponseWriter, err error) {
	code := HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		gw.logger.Error().Err(err).Int("status", code).Msg("request failed")
	}
	gw.writeJSON(w, code, ErrorBody{
		Code:    string(core.CodeOf(err)),
		Kind:    core.KindOf(err).String(),
		Message: err.Error(),
	})
}

// HTTPStatus mirrors GRPCCode: rejections are 400, NotAdmin 403, a replayed
// operation id 409, integrity faults 500, collaborator failures 503.
func HTTPStatus(err error) int {
	switch GRPCCode(err) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.Internal:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

// ============================================================================
// Binders
// ============================================================================

func noBind[Req any](*Req, *http.Request, map[string]string) error { return nil }

func bindAccount(req *AccountRequest, _ *http.Request, params map[string]string) error {
	req.Account = params["account"]
	return nil
}

func bindHistory(req *HistoryRequest, r *http.Request, params map[string]string) error {
	req.Account = params["account"]
	q := r.URL.Query()
	var err error
	if req.Limit, err = intParam(q.Get("limit")); err != nil {
		return errors.Wrapf(core.ErrInvalidParameter, "limit: %v", err)
	}
	before, err := intParam(q.Get("before"))
	if err != nil {
		return errors.Wrapf(core.ErrInvalidParameter, "before: %v", err)
	}
	req.BeforeSequence = int64(before)
	return nil
}

func bindEstimate(req *EstimateRequest, r *http.Request, _ map[string]string) error {
	q := r.URL.Query()
	req.Amount = q.Get("amount")
	days := q.Get("days")
	if days == "" {
		req.Days = 365
		return nil
	}
	d, err := strconv.ParseInt(days, 10, 64)
	if err != nil {
		return errors.Wrapf(core.ErrInvalidParameter, "days: %v", err)
	}
	req.Days = d
	return nil
}

func bindBody[Req any](req *Req, r *http.Request, _ map[string]string) error {
	if err := builtin.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(req); err != nil {
		return errors.Wrapf(core.ErrInvalidParameter, "decode body: %v", err)
	}
	return nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
