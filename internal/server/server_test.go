package server_test

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/custody"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/projection"
	"StakeLedger/internal/query"
	"StakeLedger/internal/receipt"
	"StakeLedger/internal/server"
	"StakeLedger/internal/state"
	"StakeLedger/internal/storage"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

var (
	admin  = common.HexToAddress("0x00000000000000000000000000000000000ad111")
	minter = common.HexToAddress("0x000000000000000000000000000000000000f00d")
	alice  = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

const (
	t0  = int64(1_700_000_000)
	day = int64(fpmath.SecondsPerDay)
)

type fixture struct {
	engine  *core.StakingEngine
	service *server.StakingService
	handler http.Handler
	history *projection.MemoryHistory
	projCh  chan core.CoreOutput
	now     atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	wallets := custody.NewWallets()
	for _, a := range []common.Address{admin, alice, bob} {
		require.NoError(t, wallets.Credit(a, fpmath.Units(100_000)))
	}
	receipts, err := receipt.NewLedger(storage.NewMemory(), minter, zerolog.Nop())
	require.NoError(t, err)

	f := &fixture{
		history: projection.NewMemoryHistory(100),
		projCh:  make(chan core.CoreOutput, 100),
	}
	f.now.Store(t0)

	f.engine, err = core.NewStakingEngine(
		core.EngineConfig{Genesis: state.DefaultPoolParams(admin)},
		core.EngineDeps{
			Store:   state.NewStore(storage.NewMemory()),
			Receipt: receipts.Client(minter),
			Rail:    wallets,
			Logger:  zerolog.Nop(),
		},
		nil, f.projCh, nil,
	)
	require.NoError(t, err)

	reader := query.NewMemoryReader(f.history, f.engine.Sequence)
	f.service = server.NewStakingService(f.engine, receipts, reader, zerolog.Nop(),
		server.WithClock(func() int64 { return f.now.Load() }))

	f.handler, err = server.NewHTTPHandler(f.service, nil, nil, zerolog.Nop())
	require.NoError(t, err)
	return f
}

func (f *fixture) advance(seconds int64) {
	f.now.Add(seconds)
}

// project moves committed outputs into the in-memory history.
func (f *fixture) project(t *testing.T) {
	t.Helper()
	for {
		select {
		case out := <-f.projCh:
			require.NoError(t, f.history.Apply(context.Background(), projection.NewProjectionOutput(out.Envelope, out.Outcome)))
		default:
			return
		}
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return rec.Code, out
}

// ============================================================================
// HTTP gateway
// ============================================================================

func TestHTTP_StakeLifecycle(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "POST", "/v1/admin/fund", map[string]any{"caller": admin.Hex(), "amount": "1000"})
	require.Equal(t, http.StatusOK, code, body)

	code, body = f.do(t, "POST", "/v1/stake", map[string]any{"account": alice.Hex(), "amount": "500"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "500", body["principal"])
	assert.EqualValues(t, 15, body["locked_rate"])
	assert.EqualValues(t, t0, body["start_time"])

	code, body = f.do(t, "GET", "/v1/stakes/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "500", body["amount"])
	assert.Equal(t, "500000000000000000000", body["amount_base_units"])
	assert.EqualValues(t, 7*day, body["lockup_remaining"])
	assert.EqualValues(t, t0+7*day, body["unlock_time"])
	assert.Equal(t, "0", body["pending_reward"])

	code, body = f.do(t, "GET", "/v1/receipts/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "500", body["balance"])
	assert.Equal(t, "500", body["total_supply"])

	// too early
	code, body = f.do(t, "POST", "/v1/unstake", map[string]any{"account": alice.Hex()})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "LockupPeriodNotOver", body["code"])
	assert.Equal(t, "rejection", body["kind"])

	f.advance(30 * day)

	code, body = f.do(t, "GET", "/v1/stakes/"+alice.Hex()+"/reward", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "6.164383561643835616", body["reward"])
	assert.Equal(t, "6164383561643835616", body["reward_base_units"])

	code, body = f.do(t, "POST", "/v1/unstake", map[string]any{"account": alice.Hex()})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "500", body["principal"])
	assert.Equal(t, "6.164383561643835616", body["reward"])

	code, body = f.do(t, "GET", "/v1/stakes/"+alice.Hex(), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["active"])
	assert.Equal(t, "0", body["amount"])

	code, body = f.do(t, "GET", "/v1/pool", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0", body["tvl"])
	assert.Equal(t, "993.835616438356164384", body["reserve"])
	assert.EqualValues(t, 3, body["sequence"])
}

func TestHTTP_Rejections(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "POST", "/v1/stake", map[string]any{"account": alice.Hex(), "amount": "10"})
	require.Equal(t, http.StatusOK, code)

	cases := []struct {
		name     string
		path     string
		body     map[string]any
		wantHTTP int
		wantCode string
	}{
		{"double stake", "/v1/stake", map[string]any{"account": alice.Hex(), "amount": "10"}, 400, "AlreadyStaking"},
		{"zero amount", "/v1/stake", map[string]any{"account": bob.Hex(), "amount": "0"}, 400, "InvalidAmount"},
		{"unparseable amount", "/v1/stake", map[string]any{"account": bob.Hex(), "amount": "ten"}, 400, "InvalidAmount"},
		{"below minimum", "/v1/stake", map[string]any{"account": bob.Hex(), "amount": "4.99"}, 400, "BelowMinStake"},
		{"bad account", "/v1/stake", map[string]any{"account": "0xnope", "amount": "10"}, 400, "InvalidParameter"},
		{"no stake", "/v1/emergency-withdraw", map[string]any{"account": bob.Hex()}, 400, "NoActiveStake"},
		{"not admin", "/v1/admin/pause", map[string]any{"caller": alice.Hex(), "paused": true}, 403, "NotAdmin"},
		{"missing paused", "/v1/admin/pause", map[string]any{"caller": admin.Hex()}, 400, "InvalidParameter"},
		{"cap below tvl", "/v1/admin/max-cap", map[string]any{"caller": admin.Hex(), "amount": "5"}, 400, "CapBelowTVL"},
		{"inverted bounds", "/v1/admin/rate-bounds", map[string]any{"caller": admin.Hex(), "min_rate": 20, "max_rate": 10}, 400, "InvalidParameter"},
		{"emergency withdraw pays principal", "/v1/emergency-withdraw", map[string]any{"account": alice.Hex(), "operation_id": "ew-1"}, 200, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := f.do(t, "POST", tc.path, tc.body)
			assert.Equal(t, tc.wantHTTP, code, body)
			if tc.wantCode != "" {
				assert.Equal(t, tc.wantCode, body["code"])
			}
		})
	}
}

func TestHTTP_DuplicateOperation(t *testing.T) {
	f := newFixture(t)

	req := map[string]any{"operation_id": "op-1", "account": alice.Hex(), "amount": "10"}
	code, _ := f.do(t, "POST", "/v1/stake", req)
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, "POST", "/v1/stake", req)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "DuplicateOperation", body["code"])
}

func TestHTTP_AdminAndPause(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "POST", "/v1/admin/pause", map[string]any{"caller": admin.Hex(), "paused": true})
	require.Equal(t, http.StatusOK, code, body)

	code, body = f.do(t, "POST", "/v1/stake", map[string]any{"account": alice.Hex(), "amount": "10"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ContractPaused", body["code"])

	code, _ = f.do(t, "POST", "/v1/admin/pause", map[string]any{"caller": admin.Hex(), "paused": false})
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, "POST", "/v1/admin/lockup", map[string]any{"caller": admin.Hex(), "seconds": 0})
	require.Equal(t, http.StatusOK, code)

	code, _ = f.do(t, "POST", "/v1/admin/admin", map[string]any{"caller": admin.Hex(), "new_admin": bob.Hex()})
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, "GET", "/v1/pool", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, bob.Hex(), body["admin"])
	assert.EqualValues(t, 0, body["lockup_period"])
	assert.Equal(t, false, body["paused"])

	code, body = f.do(t, "POST", "/v1/admin/reward-rate", map[string]any{"caller": admin.Hex(), "rate": 12})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NotAdmin", body["code"])
}

func TestHTTP_RateEstimateAndSolvency(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, "GET", "/v1/pool/rate", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 15, body["current_rate"])
	assert.EqualValues(t, 0, body["utilization"])

	code, body = f.do(t, "GET", "/v1/estimate?amount=1000&days=365", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 15, body["rate"])
	assert.Equal(t, "150", body["reward"])

	code, body = f.do(t, "GET", "/v1/estimate?amount=1000&days=0", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidParameter", body["code"])

	// days*SecondsPerDay would wrap int64
	code, body = f.do(t, "GET", "/v1/estimate?amount=1000&days=1000000000000000", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidParameter", body["code"])

	code, body = f.do(t, "GET", fmt.Sprintf("/v1/estimate?amount=1&days=%d", server.MaxEstimateDays), nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "15", body["reward"])

	code, _ = f.do(t, "POST", "/v1/stake", map[string]any{"account": alice.Hex(), "amount": "100"})
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, "GET", "/v1/pool/solvency", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "100", body["principal"])
	assert.Equal(t, "100", body["reserve"])
	assert.Equal(t, true, body["solvent"])

	// a year later the unfunded reward is a deficit
	f.advance(365 * day)
	code, body = f.do(t, "GET", "/v1/pool/solvency", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "15", body["accrued_rewards"])
	assert.Equal(t, "15", body["deficit"])
	assert.Equal(t, false, body["solvent"])
}

func TestHTTP_History(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, "POST", "/v1/stake", map[string]any{"account": alice.Hex(), "amount": "10"})
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, "POST", "/v1/emergency-withdraw", map[string]any{"account": alice.Hex()})
	require.Equal(t, http.StatusOK, code)
	f.project(t)

	code, body := f.do(t, "GET", "/v1/stakes/"+alice.Hex()+"/history?limit=10", nil)
	require.Equal(t, http.StatusOK, code)
	entries, ok := body["entries"].([]any)
	require.True(t, ok, body)
	require.Len(t, entries, 2)

	newest := entries[0].(map[string]any)
	assert.Equal(t, "emergency_withdraw", newest["action"])
	assert.EqualValues(t, 2, newest["sequence"])

	code, body = f.do(t, "GET", "/v1/stakes/"+alice.Hex()+"/history?before=2", nil)
	require.Equal(t, http.StatusOK, code)
	entries = body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "stake", entries[0].(map[string]any)["action"])

	code, body = f.do(t, "GET", "/v1/stakes/"+alice.Hex()+"/history?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "InvalidParameter", body["code"])
}

func TestHTTP_MalformedBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("POST", "/v1/stake", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "InvalidParameter")
}

func TestHTTP_Healthz(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ============================================================================
// gRPC
// ============================================================================

func dialBufconn(t *testing.T, f *fixture) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := server.NewGRPCServer("", "", &server.ServerDeps{Service: f.service, Logger: zerolog.Nop()})
	go srv.Server().Serve(lis)
	t.Cleanup(srv.Server().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_StakeAndQuery(t *testing.T) {
	f := newFixture(t)
	client := server.NewClient(dialBufconn(t, f))
	ctx := context.Background()

	var op server.OperationResponse
	require.NoError(t, client.Invoke(ctx, "Stake", &server.StakeRequest{Account: alice.Hex(), Amount: "250"}, &op))
	assert.EqualValues(t, 1, op.Sequence)
	assert.Equal(t, "250", op.Principal)
	require.NotNil(t, op.Pool)
	assert.Equal(t, "250", op.Pool.TVL)

	var stake server.StakeResponse
	require.NoError(t, client.Invoke(ctx, "GetStake", &server.AccountRequest{Account: alice.Hex()}, &stake))
	assert.True(t, stake.Active)
	assert.EqualValues(t, 15, stake.LockedRate)

	var pool server.PoolResponse
	require.NoError(t, client.Invoke(ctx, "GetPool", &server.PoolRequest{}, &pool))
	assert.Equal(t, 1, pool.ActiveStakes)
	assert.Equal(t, "250", pool.ReceiptSupply)
}

func TestGRPC_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	client := server.NewClient(dialBufconn(t, f))
	ctx := context.Background()

	paused := true
	var trailer metadata.MD
	var op server.OperationResponse
	err := client.Invoke(ctx, "SetPaused", &server.AdminRequest{Caller: alice.Hex(), Paused: &paused}, &op, grpc.Trailer(&trailer))
	require.Error(t, err)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Equal(t, []string{"NotAdmin"}, trailer.Get(server.ErrorCodeTrailer))

	err = client.Invoke(ctx, "Unstake", &server.StakeRequest{Account: alice.Hex()}, &op)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	err = client.Invoke(ctx, "Stake", &server.StakeRequest{Account: alice.Hex(), Amount: "-1"}, &op)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_Health(t *testing.T) {
	f := newFixture(t)
	conn := dialBufconn(t, f)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

// ============================================================================
// Error mapping
// ============================================================================

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err      error
		wantGRPC codes.Code
		wantHTTP int
	}{
		{core.ErrInvalidAmount, codes.InvalidArgument, 400},
		{errors.Wrap(core.ErrInvalidParameter, "account"), codes.InvalidArgument, 400},
		{core.ErrCapExceeded, codes.FailedPrecondition, 400},
		{core.ErrNotAdmin, codes.PermissionDenied, 403},
		{core.ErrDuplicateOperation, codes.AlreadyExists, 409},
		{core.ErrInsufficientCustody, codes.Internal, 500},
		{core.ErrInvariantViolation, codes.Internal, 500},
		{core.ErrExternalFailure, codes.Unavailable, 503},
		{context.DeadlineExceeded, codes.Unavailable, 503},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.wantGRPC, server.GRPCCode(tc.err))
			assert.Equal(t, tc.wantHTTP, server.HTTPStatus(tc.err))
			assert.Equal(t, tc.wantGRPC, status.Code(server.ToStatus(tc.err)))
		})
	}
}
