package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/api"
	"github.com/Aidin1998/nftsettle/common/auth"
	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/bookkeeper"
	"github.com/Aidin1998/nftsettle/internal/clock"
	"github.com/Aidin1998/nftsettle/internal/consistency"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/stream"
	"github.com/Aidin1998/nftsettle/testutil"
)

var (
	authConfig = auth.AuthorizationConfig{
		Secret:   "api-test-secret-with-entropy",
		Issuer:   "https://nftsettle.test/",
		Audience: []string{"nftsettle"},
	}
	usdc = model.Asset{Contract: "USDC-ISSUER", Symbol: "USDC"}
)

type fixture struct {
	router     *gin.Engine
	hub        *stream.Hub
	ledger     *bookkeeper.Service
	totpSecret string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	hub := stream.NewHub(zap.NewNop(), 16)
	t.Cleanup(func() { _ = hub.Close() })
	bus := messaging.NewBus(messaging.Fanout{messaging.NewMemoryProducer(), hub}, zap.NewNop(), "test")
	ledger, err := bookkeeper.NewService(zap.NewNop(), testutil.OpenLedgerDB(t), bus)
	require.NoError(t, err)
	core, err := settlement.New(settlement.Deps{
		Logger:  zap.NewNop(),
		Store:   testutil.OpenStore(t),
		Ledger:  ledger,
		Clock:   clock.NewManual(1_700_000_000),
		Auth:    auth.ContextAuthorizer{},
		Guard:   consistency.NewReentrancyGuard(consistency.NewMemoryMarkers(), zap.NewNop()),
		Events:  bus,
		Custody: "escrow",
	})
	require.NoError(t, err)

	require.NoError(t, core.Initialize(auth.WithCaller(ctx, "admin"), "admin", settlement.InitOptions{FeeRecipient: "treasury"}))
	require.NoError(t, ledger.MintNFT(ctx, "PUNKS", 7, "seller"))
	require.NoError(t, core.SetRoyaltyInfo(auth.WithCaller(ctx, "creator"), "PUNKS", 7, "creator", 500, "creator"))
	require.NoError(t, ledger.Credit(ctx, usdc, "buyer", decimal.NewFromInt(1_000_000), "seed"))

	key, err := auth.GenerateTOTPKey("nftsettle", "admin")
	require.NoError(t, err)
	srv := api.NewServer(zap.NewNop(), core, api.Options{
		Auth:            authConfig,
		AdminTOTPSecret: key.Secret(),
		Events:          hub,
	})
	return &fixture{router: srv.Router(), hub: hub, ledger: ledger, totpSecret: key.Secret()}
}

func (f *fixture) do(t *testing.T, method, path, caller string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		token, err := auth.IssueToken(authConfig, model.Address(caller), "", time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) apperrors.ProblemDetails {
	t.Helper()
	var problem apperrors.ProblemDetails
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	return problem
}

func listing() gin.H {
	return gin.H{
		"nft_contract": "PUNKS",
		"token_id":     7,
		"price":        "100000",
		"currency":     usdc,
		"duration":     3600,
	}
}

func TestHealthCheck(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodGet, "/api/v1/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMutationsRequireToken(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodPost, "/api/v1/sales", "", listing())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apperrors.TypeUnauthorized, decodeProblem(t, w).Type)
}

func (f *fixture) listPunk(t *testing.T) string {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/v1/sales", "seller", listing())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Data struct {
			TransactionID uint64 `json:"transaction_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotZero(t, created.Data.TransactionID)
	return strconv.FormatUint(created.Data.TransactionID, 10)
}

func TestSaleOverHTTP(t *testing.T) {
	f := setup(t)
	id := f.listPunk(t)

	path := "/api/v1/sales/" + id
	w := f.do(t, http.MethodPost, path+"/execute", "buyer", gin.H{"payment": "1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	problem := decodeProblem(t, w)
	assert.Equal(t, apperrors.KindInvalidAmount, problem.Kind)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = f.do(t, http.MethodPost, path+"/execute", "buyer", gin.H{"payment": "100000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, path, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var sale struct {
		Data model.SaleTransaction `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sale))
	assert.Equal(t, model.TransactionExecuted, sale.Data.State)
	assert.Equal(t, model.Address("buyer"), sale.Data.Buyer)

	owner, err := f.ledger.OwnerOf(context.Background(), "PUNKS", 7)
	require.NoError(t, err)
	assert.Equal(t, model.Address("buyer"), owner)

	w = f.do(t, http.MethodGet, "/api/v1/receipts/"+id+"/verify", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"paid":true`)

	w = f.do(t, http.MethodPost, "/api/v1/receipts/"+id+"/retry", "seller", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "fully paid receipts have nothing to retry")
	assert.Equal(t, apperrors.KindInvalidState, decodeProblem(t, w).Kind)
}

func TestErrorMapping(t *testing.T) {
	f := setup(t)

	w := f.do(t, http.MethodGet, "/api/v1/sales/42", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.KindNotFound, decodeProblem(t, w).Kind)

	w = f.do(t, http.MethodGet, "/api/v1/sales/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/transactions/1/cancel", "seller", gin.H{"kind": "lease"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, decodeProblem(t, w).Errors)

	body := listing()
	body["token_id"] = 99
	w = f.do(t, http.MethodPost, "/api/v1/sales", "seller", body)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/sales", "buyer", listing())
	assert.Equal(t, http.StatusForbidden, w.Code, "buyer does not own the token")
}

func TestCommitmentRequiresHex(t *testing.T) {
	f := setup(t)
	w := f.do(t, http.MethodPost, "/api/v1/auctions/1/commitments", "buyer", gin.H{
		"commitment": "not-hex",
		"deposit":    "100",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/auctions/1/commitments", "buyer", gin.H{
		"commitment": "0x" + string(bytes.Repeat([]byte("ab"), 32)),
		"deposit":    "100",
	})
	assert.Equal(t, http.StatusNotFound, w.Code, "well formed commitment reaches the engine")
}

func TestAdminRoutesRequireTOTP(t *testing.T) {
	f := setup(t)
	id := f.listPunk(t)
	w := f.do(t, http.MethodPost, "/api/v1/sales/"+id+"/execute", "buyer", gin.H{"payment": "100000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := gin.H{"currency": usdc, "recipient": "treasury"}

	w = f.do(t, http.MethodPost, "/api/v1/admin/fees/withdraw", "admin", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	code, err := totp.GenerateCode(f.totpSecret, time.Now())
	require.NoError(t, err)
	w = f.do(t, http.MethodPost, "/api/v1/admin/fees/withdraw", "admin", body, auth.TOTPHeader, code)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"amount":"2500"`)

	w = f.do(t, http.MethodPost, "/api/v1/admin/fees/withdraw", "buyer", body, auth.TOTPHeader, code)
	assert.Equal(t, http.StatusForbidden, w.Code, "engine checks the admin")
}

func TestEventStream(t *testing.T) {
	f := setup(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?topic=settlement-events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	// the listing below must not race the subscription
	require.Eventually(t, func() bool { return f.hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)

	id := f.listPunk(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg stream.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, messaging.TopicSettlementEvents, msg.Topic)
	assert.Equal(t, id, msg.Key)
	var event messaging.Event
	require.NoError(t, json.Unmarshal(msg.Data, &event))
	assert.Equal(t, messaging.MsgSaleCreated, event.Type)
}
