package authclient

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/qadash/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	testPassword   = "correct-horse"
	testSigningKey = "test-signing-key"
)

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock() *controllableClock {
	return &controllableClock{current: time.Date(2024, time.March, 4, 10, 0, 0, 0, time.UTC)}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeAPI stands in for the dashboard REST API.
type fakeAPI struct {
	clock *controllableClock

	mutex             sync.Mutex
	accepted          map[string]bool
	minted            int
	tokenTTL          time.Duration
	issueRefreshToken bool
	includeUser       bool
	rejectBearers     bool
	refreshStatus     int
	refreshGate       chan struct{}
	loginGate         chan struct{}
	loginCalls        int
	refreshCalls      int
	logoutCalls       int
	lastRefreshBearer string
	lastRefreshToken  string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		clock:             newControllableClock(),
		accepted:          make(map[string]bool),
		tokenTTL:          time.Hour,
		issueRefreshToken: true,
	}
}

func (api *fakeAPI) mintLocked(ttl time.Duration) string {
	api.minted++
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":        7,
		"email":     "qa.lead@example.com",
		"role":      "qa",
		"full_name": "QA Lead",
		"jti":       fmt.Sprintf("token-%d", api.minted),
		"iat":       api.clock.Now().Unix(),
		"exp":       api.clock.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		panic(err)
	}
	api.accepted[signed] = true
	return signed
}

func (api *fakeAPI) revoke(token string) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	delete(api.accepted, token)
}

func (api *fakeAPI) counts() (int, int, int) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	return api.loginCalls, api.refreshCalls, api.logoutCalls
}

func (api *fakeAPI) set(update func(api *fakeAPI)) {
	api.mutex.Lock()
	defer api.mutex.Unlock()
	update(api)
}

func (api *fakeAPI) router() *gin.Engine {
	router := gin.New()
	router.POST("/api/auth/login", api.handleLogin)
	router.POST("/api/auth/refresh", api.handleRefresh)
	router.POST("/api/auth/logout", api.handleLogout)
	router.POST("/api/auth/forgot-password", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"authorization": contextGin.GetHeader("Authorization")})
	})
	router.GET("/api/projects", api.requireBearer, func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"projects": []gin.H{{"id": 1, "name": "Checkout"}}})
	})
	router.POST("/api/projects", api.requireBearer, func(contextGin *gin.Context) {
		body, _ := io.ReadAll(contextGin.Request.Body)
		contextGin.Data(http.StatusCreated, "application/json", body)
	})
	return router
}

func (api *fakeAPI) handleLogin(contextGin *gin.Context) {
	api.mutex.Lock()
	api.loginCalls++
	gate := api.loginGate
	api.mutex.Unlock()
	if gate != nil {
		<-gate
	}

	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&payload); err != nil {
		contextGin.JSON(http.StatusBadRequest, gin.H{"message": "invalid body"})
		return
	}
	if payload.Password != testPassword {
		contextGin.JSON(http.StatusUnauthorized, gin.H{"message": "Invalid credentials"})
		return
	}

	api.mutex.Lock()
	defer api.mutex.Unlock()
	response := gin.H{"token": api.mintLocked(api.tokenTTL)}
	if api.issueRefreshToken {
		response["refresh_token"] = fmt.Sprintf("refresh-%d", api.minted)
	}
	if api.includeUser {
		response["data"] = gin.H{"user": gin.H{"id": 11, "email": payload.Email, "role": "Administrator"}}
	}
	contextGin.JSON(http.StatusOK, response)
}

func (api *fakeAPI) handleRefresh(contextGin *gin.Context) {
	var payload struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = contextGin.ShouldBindJSON(&payload)

	api.mutex.Lock()
	api.refreshCalls++
	api.lastRefreshBearer = strings.TrimPrefix(contextGin.GetHeader("Authorization"), "Bearer ")
	api.lastRefreshToken = payload.RefreshToken
	gate := api.refreshGate
	status := api.refreshStatus
	api.mutex.Unlock()
	if gate != nil {
		<-gate
	}
	if status != 0 && status != http.StatusOK {
		contextGin.JSON(status, gin.H{"message": "refresh failed"})
		return
	}

	api.mutex.Lock()
	defer api.mutex.Unlock()
	data := gin.H{"token": api.mintLocked(api.tokenTTL)}
	if api.issueRefreshToken {
		data["refresh_token"] = fmt.Sprintf("refresh-%d", api.minted)
	}
	contextGin.JSON(http.StatusOK, gin.H{"data": data})
}

func (api *fakeAPI) handleLogout(contextGin *gin.Context) {
	api.mutex.Lock()
	api.logoutCalls++
	api.mutex.Unlock()
	contextGin.JSON(http.StatusOK, gin.H{"message": "ok"})
}

func (api *fakeAPI) requireBearer(contextGin *gin.Context) {
	token := strings.TrimPrefix(contextGin.GetHeader("Authorization"), "Bearer ")
	api.mutex.Lock()
	accepted := api.accepted[token] && !api.rejectBearers
	api.mutex.Unlock()
	if !accepted {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"message": "Token expired"})
		return
	}
	contextGin.Next()
}

type harness struct {
	api      *fakeAPI
	server   *httptest.Server
	backend  *session.MemoryKeyValueStore
	manager  *Manager
	pipeline *Pipeline
	client   *Client
	metrics  *CounterMetrics
	signOuts chan SignOutEvent
}

func newHarness(t *testing.T, api *fakeAPI, threshold time.Duration) *harness {
	t.Helper()
	return newHarnessWithLogger(t, api, threshold, zaptest.NewLogger(t))
}

func newHarnessWithLogger(t *testing.T, api *fakeAPI, threshold time.Duration, logger *zap.Logger) *harness {
	t.Helper()
	server := httptest.NewServer(api.router())
	t.Cleanup(server.Close)

	backend := session.NewMemoryKeyValueStore()
	metrics := NewCounterMetrics()
	signOuts := make(chan SignOutEvent, 16)
	manager, err := NewManager(ManagerConfig{
		Store:            session.NewStore(backend, logger),
		API:              NewHTTPAuthAPI(server.URL+"/api", server.Client(), AuthPaths{}),
		Clock:            api.clock,
		Logger:           logger,
		Metrics:          metrics,
		RenewalThreshold: threshold,
		OnSignedOut: func(event SignOutEvent) {
			signOuts <- event
		},
	})
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	pipeline := NewPipeline(manager, "/api", nil)
	client, err := NewClient(server.URL+"/api", NewTransport(pipeline, server.Client().Transport, logger, metrics), 5*time.Second)
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return &harness{
		api:      api,
		server:   server,
		backend:  backend,
		manager:  manager,
		pipeline: pipeline,
		client:   client,
		metrics:  metrics,
		signOuts: signOuts,
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func receiveSignOut(t *testing.T, signOuts <-chan SignOutEvent) SignOutEvent {
	t.Helper()
	select {
	case event := <-signOuts:
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("expected a sign-out event")
	}
	return SignOutEvent{}
}
