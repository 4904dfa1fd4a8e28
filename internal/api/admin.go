package api

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
	"github.com/router-for-me/GeminiBizAPI/internal/config"
	"github.com/router-for-me/GeminiBizAPI/internal/logging"
	"github.com/router-for-me/GeminiBizAPI/internal/mailbox"
	"github.com/router-for-me/GeminiBizAPI/internal/task"
)

// adminLogin exchanges the admin key for a session token.
func (s *Server) adminLogin(c *gin.Context) {
	var body struct {
		AdminKey string `json:"admin_key"`
		Key      string `json:"key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	presented := body.AdminKey
	if presented == "" {
		presented = body.Key
	}
	cfg := s.cfg()
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.AdminKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
		return
	}
	token, err := issueAdminToken(cfg.SessionSecretKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}
	c.SetCookie("admin_session", token, int(adminTokenTTL/time.Second), "/admin", "", false, true)
	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": int64(adminTokenTTL / time.Second)})
}

// accountView joins the persisted document with its runtime state.
type accountView struct {
	account.Document
	Runtime *account.RuntimeState `json:"runtime,omitempty"`
}

func (s *Server) listAccounts(c *gin.Context) {
	pool := s.deps.Orchestrator.Pool()
	docs := s.deps.LoadAccounts()
	out := make([]accountView, 0, len(docs))
	for _, doc := range docs {
		view := accountView{Document: doc}
		view.Csesidx = maskSecret(view.Csesidx)
		view.SecureCSes = maskSecret(view.SecureCSes)
		view.HostCOses = maskSecret(view.HostCOses)
		view.MailPassword = maskSecret(view.MailPassword)
		view.RefreshToken = maskSecret(view.RefreshToken)
		if a, ok := pool.Lookup(doc.ID); ok {
			state := a.Runtime()
			view.Runtime = &state
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out, "total": len(out)})
}

func maskSecret(v string) string {
	if len(v) <= 8 {
		if v == "" {
			return ""
		}
		return "****"
	}
	return v[:4] + "****" + v[len(v)-4:]
}

// putAccounts replaces the whole account list.
func (s *Server) putAccounts(c *gin.Context) {
	var body struct {
		Accounts []account.Document `json:"accounts"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	for i := range body.Accounts {
		if !body.Accounts[i].Usable() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "account " + body.Accounts[i].ID + " is missing credentials"})
			return
		}
	}
	s.deps.ApplyAccounts(body.Accounts)
	log.Infof("admin replaced account list (%d accounts)", len(body.Accounts))
	c.JSON(http.StatusOK, gin.H{"total": len(body.Accounts)})
}

// patchAccount updates mutable fields of one account.
func (s *Server) patchAccount(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Disabled         *bool   `json:"disabled"`
		ExpiresAt        *string `json:"expires_at"`
		AccountExpiresAt *string `json:"account_expires_at"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	docs := s.deps.LoadAccounts()
	found := false
	for i := range docs {
		if docs[i].ID != id {
			continue
		}
		found = true
		if body.Disabled != nil {
			docs[i].Disabled = *body.Disabled
		}
		if body.ExpiresAt != nil {
			docs[i].ExpiresAt = *body.ExpiresAt
		}
		if body.AccountExpiresAt != nil {
			docs[i].AccountExpiresAt = *body.AccountExpiresAt
		}
		break
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	s.deps.ApplyAccounts(docs)
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) deleteAccount(c *gin.Context) {
	id := c.Param("id")
	docs := s.deps.LoadAccounts()
	kept := docs[:0]
	for _, doc := range docs {
		if doc.ID == id {
			continue
		}
		kept = append(kept, doc)
	}
	if len(kept) == len(docs) {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	s.deps.ApplyAccounts(kept)
	s.deps.Orchestrator.Bindings().RemoveByAccount(id)
	log.Infof("admin removed account %s", id)
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) getSettings(c *gin.Context) {
	doc, err := s.cfg().SettingsDocument()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render settings"})
		return
	}
	c.Data(http.StatusOK, "application/json", doc)
}

func (s *Server) putSettings(c *gin.Context) {
	doc, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil || !json.Valid(doc) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings document"})
		return
	}
	if err := s.deps.ApplySettings(doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.Info("admin updated settings")
	c.JSON(http.StatusOK, gin.H{"applied": true})
}

func (s *Server) getAPIKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"api_keys": s.cfg().APIKeys})
}

func (s *Server) putAPIKeys(c *gin.Context) {
	var body struct {
		APIKeys []config.APIKey `json:"api_keys"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	doc, err := json.Marshal(gin.H{"api_keys": body.APIKeys})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode keys"})
		return
	}
	if err := s.deps.ApplySettings(doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": len(body.APIKeys)})
}

// taskService resolves the :kind route parameter.
func (s *Server) taskService(kind string) *task.Service {
	switch kind {
	case "register":
		return s.deps.Register.Service
	case "refresh":
		return s.deps.RefreshTasks.Service
	}
	return nil
}

func (s *Server) startRegister(c *gin.Context) {
	var body struct {
		Count    int    `json:"count"`
		Provider string `json:"provider"`
		Domain   string `json:"domain"`
	}
	_ = c.ShouldBindJSON(&body)
	t, err := s.deps.Register.Start(body.Count, body.Provider, body.Domain)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, t)
}

func (s *Server) startRefresh(c *gin.Context) {
	var body struct {
		AccountIDs []string `json:"account_ids"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || len(body.AccountIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account_ids is required"})
		return
	}
	t, ok := s.deps.RefreshTasks.Start(body.AccountIDs)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "all accounts already queued for refresh"})
		return
	}
	c.JSON(http.StatusAccepted, t)
}

func (s *Server) currentTask(c *gin.Context) {
	svc := s.taskService(c.Param("kind"))
	if svc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task kind"})
		return
	}
	t, ok := svc.Current()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"task": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t})
}

func (s *Server) getTask(c *gin.Context) {
	svc := s.taskService(c.Param("kind"))
	if svc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task kind"})
		return
	}
	t, ok := svc.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) cancelTask(c *gin.Context) {
	svc := s.taskService(c.Param("kind"))
	if svc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task kind"})
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}
	t, ok := svc.Cancel(c.Param("id"), body.Reason)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) autoRefreshStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"paused": s.deps.AutoRefresh.Paused()})
}

func (s *Server) autoRefreshPause(c *gin.Context) {
	s.deps.AutoRefresh.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) autoRefreshResume(c *gin.Context) {
	s.deps.AutoRefresh.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) recentLogs(c *gin.Context) {
	lines := 200
	if v := c.Query("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"lines": logging.Tail(lines)})
}

func (s *Server) adminStats(c *gin.Context) {
	pool := s.deps.Orchestrator.Pool()
	c.JSON(http.StatusOK, gin.H{
		"stats":          s.deps.Stats.Get(),
		"accounts_total": pool.Len(),
		"uptime_seconds": int64(time.Since(s.deps.StartedAt) / time.Second),
	})
}

func (s *Server) resetStats(c *gin.Context) {
	s.deps.Stats.Reset()
	log.Info("admin reset request statistics")
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// mailTest provisions a throwaway inbox to verify provider settings, and can
// optionally block until a verification code arrives.
func (s *Server) mailTest(c *gin.Context) {
	var body struct {
		Provider     string `json:"provider"`
		Domain       string `json:"domain"`
		Poll         bool   `json:"poll"`
		Email        string `json:"email"`
		RefreshToken string `json:"refresh_token"`
		Tenant       string `json:"tenant"`
	}
	_ = c.ShouldBindJSON(&body)

	var (
		box mailbox.Provider
		err error
	)
	if body.Provider == "microsoft" {
		if body.RefreshToken == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "microsoft test requires refresh_token"})
			return
		}
		box = mailbox.NewMicrosoft(body.Email, body.RefreshToken, body.Tenant, nil)
	} else {
		box, err = mailbox.New(s.cfg(), body.Provider, body.Domain)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err = box.RegisterAccount(c.Request.Context()); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
	}

	result := gin.H{"email": box.Email()}
	if body.Poll {
		code, pollErr := box.PollForCode(c.Request.Context(), time.Now().Add(-5*time.Minute))
		if pollErr != nil {
			result["poll_error"] = pollErr.Error()
		} else {
			result["code"] = code
		}
	}
	c.JSON(http.StatusOK, result)
}
