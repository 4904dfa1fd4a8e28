package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/alitto/pond/v2"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
	"github.com/router-for-me/GeminiBizAPI/internal/auth"
	"github.com/router-for-me/GeminiBizAPI/internal/config"
	"github.com/router-for-me/GeminiBizAPI/internal/media"
	"github.com/router-for-me/GeminiBizAPI/internal/message"
	"github.com/router-for-me/GeminiBizAPI/internal/registry"
	"github.com/router-for-me/GeminiBizAPI/internal/upstream"
)

func credsOf(a *account.Account) auth.Credentials {
	return auth.Credentials{
		AccountID:  a.ID,
		Csesidx:    a.Csesidx,
		SecureCSes: a.SecureCSes,
		HostCOses:  a.HostCOses,
	}
}

// run owns the retry and failover loop around generation attempts.
func (o *Orchestrator) run(ctx context.Context, req ChatRequest, class registry.QuotaClass, writer *chunkWriter, chunks chan<- []byte) error {
	cfg := o.Config()
	pool := o.Pool()

	messagesJSON := gjson.GetBytes(req.Body, "messages")
	msgs := message.Parse(messagesJSON)
	_, images := message.ParseLastMessage(messagesJSON)

	// Resolve account and session under the per-chat lock so two requests
	// for one conversation never race a session into existence twice.
	lock := o.lockFor(req.ChatID)
	lock.Lock()
	acct, session, isFirst, err := o.resolveBinding(ctx, req, cfg, pool, class)
	if err != nil {
		lock.Unlock()
		return mapSelectionError(err)
	}
	o.bindingSet(req, acct.ID, session)
	lock.Unlock()

	select {
	case chunks <- writer.Role():
	case <-ctx.Done():
		return ctx.Err()
	}

	failed := make(map[string]struct{})
	fullContext := false
	sawRateLimit := false
	onlyRateLimit := true
	var lastErr error

	for attemptNo := 0; attemptNo <= cfg.Retry.MaxRequestRetries; attemptNo++ {
		latestSession, emitted, attemptErr := o.attempt(ctx, attemptParams{
			req:         req,
			cfg:         cfg,
			acct:        acct,
			session:     session,
			isFirst:     isFirst,
			fullContext: fullContext,
			msgs:        msgs,
			images:      images,
			writer:      writer,
		}, chunks)

		if attemptErr == nil {
			acct.MarkSuccess(req.RequestID)
			acct.IncrementConversation()
			if latestSession != "" && latestSession != session {
				o.bindingSet(req, acct.ID, latestSession)
			}
			return nil
		}
		lastErr = attemptErr

		if ctx.Err() != nil {
			// Client disconnected or deadline passed; nothing to retry.
			return mapTerminalError(lastErr, sawRateLimit, onlyRateLimit)
		}

		var statusErr *auth.StatusError
		if errors.As(attemptErr, &statusErr) {
			acct.HandleHTTPError(statusErr.StatusCode, statusErr.Body, req.RequestID, class)
			if statusErr.StatusCode == 429 {
				sawRateLimit = true
			} else {
				onlyRateLimit = false
			}
		} else {
			acct.HandleNonHTTPError("stream", req.RequestID)
			onlyRateLimit = false
		}

		if emitted {
			// Part of the answer already reached the client; a retry would
			// duplicate it.
			log.Warnf("[%s] attempt failed after partial output, not retrying: %v", req.RequestID, attemptErr)
			return mapTerminalError(lastErr, sawRateLimit, onlyRateLimit)
		}
		if attemptNo == cfg.Retry.MaxRequestRetries {
			break
		}

		// Fail over: exclude this account, pick another, open a fresh
		// session, and catch it up with the full transcript.
		failed[acct.ID] = struct{}{}
		if len(failed) > cfg.Retry.MaxAccountSwitchTries {
			break
		}
		next, errNext := pool.GetExcluding(req.RequestID, class, failed)
		if errNext != nil {
			log.Warnf("[%s] no account left for failover: %v", req.RequestID, errNext)
			break
		}
		newSession, errSession := o.createSession(ctx, cfg, next, req.RequestID)
		if errSession != nil {
			log.Warnf("[%s] session creation on %s failed: %v", req.RequestID, next.ID, errSession)
			failed[next.ID] = struct{}{}
			lastErr = errSession
			continue
		}
		log.Infof("[%s] switching account %s -> %s", req.RequestID, acct.ID, next.ID)
		acct = next
		session = newSession
		acct.IncrementSessionUsage()
		o.bindingSet(req, acct.ID, session)
		isFirst = true
		fullContext = true
	}

	return mapTerminalError(lastErr, sawRateLimit, onlyRateLimit)
}

// resolveBinding reuses a live binding when possible, otherwise selects an
// account and opens a session. Callers hold the per-chat lock.
func (o *Orchestrator) resolveBinding(ctx context.Context, req ChatRequest, cfg *config.Config, pool *account.Manager, class registry.QuotaClass) (*account.Account, string, bool, error) {
	if rec, ok := o.bindingGet(req); ok {
		if a, found := pool.Lookup(rec.AccountID); found && a.ShouldRetry() && !a.Expired() && a.IsQuotaAvailable(class) {
			if rec.SessionID != "" {
				return a, rec.SessionID, false, nil
			}
			session, err := o.createSession(ctx, cfg, a, req.RequestID)
			if err == nil {
				a.IncrementSessionUsage()
				return a, session, true, nil
			}
			log.Warnf("[%s] session creation on bound account %s failed: %v", req.RequestID, a.ID, err)
		}
		o.bindingRemove(req)
	}

	a, err := pool.Get("", req.RequestID, class)
	if err != nil {
		return nil, "", false, err
	}
	session, err := o.createSession(ctx, cfg, a, req.RequestID)
	if err != nil {
		return nil, "", false, err
	}
	a.IncrementSessionUsage()
	return a, session, true, nil
}

func (o *Orchestrator) createSession(ctx context.Context, cfg *config.Config, a *account.Account, requestID string) (string, error) {
	var lastErr error
	for i := 0; i < cfg.Retry.MaxNewSessionTries; i++ {
		session, err := o.up.CreateSession(ctx, credsOf(a), a.ConfigID, requestID)
		if err == nil {
			return session, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("create session on %s: %w", a.ID, lastErr)
}

func mapSelectionError(err error) error {
	if errors.Is(err, account.ErrNoAccountAvailable) {
		return &Failure{Code: http.StatusServiceUnavailable, Message: "no account available"}
	}
	var statusErr *auth.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == 429 {
		return &Failure{Code: http.StatusTooManyRequests, Message: "upstream rate limited"}
	}
	return &Failure{Code: http.StatusServiceUnavailable, Message: err.Error()}
}

func mapTerminalError(lastErr error, sawRateLimit, onlyRateLimit bool) error {
	if lastErr == nil {
		return &Failure{Code: http.StatusServiceUnavailable, Message: "no attempt completed"}
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return &Failure{Code: http.StatusGatewayTimeout, Message: "upstream timed out"}
	}
	if sawRateLimit && onlyRateLimit {
		return &Failure{Code: http.StatusTooManyRequests, Message: "all accounts rate limited"}
	}
	return &Failure{Code: http.StatusServiceUnavailable, Message: lastErr.Error()}
}

type attemptParams struct {
	req         ChatRequest
	cfg         *config.Config
	acct        *account.Account
	session     string
	isFirst     bool
	fullContext bool
	msgs        []message.Message
	images      []message.Image
	writer      *chunkWriter
}

// attempt performs one generation pass: upload context images, stream the
// answer, then fetch and append generated media. It reports whether any
// output reached the client so the caller can decide on retries.
func (o *Orchestrator) attempt(ctx context.Context, p attemptParams, chunks chan<- []byte) (string, bool, error) {
	creds := credsOf(p.acct)

	var queryText string
	if p.fullContext {
		queryText = message.BuildFullContextText(p.msgs)
	} else {
		queryText = message.QueryText(message.StripToLastUserMessage(p.msgs, p.isFirst))
	}

	var fileIDs []string
	if len(p.images) > 0 {
		o.mu.RLock()
		chatClient := o.chatClient
		o.mu.RUnlock()
		if err := message.FetchImages(ctx, chatClient, p.images); err != nil {
			return "", false, fmt.Errorf("resolve request images: %w", err)
		}
		for i, img := range p.images {
			name := fmt.Sprintf("upload-%d%s", i, media.ExtensionFor(img.MIME))
			fileID, err := o.up.UploadContextFile(ctx, creds, p.acct.ConfigID, p.session, name, img.MIME, img.Data, p.req.RequestID)
			if err != nil {
				return "", false, fmt.Errorf("upload image: %w", err)
			}
			fileIDs = append(fileIDs, fileID)
		}
	}

	events, errChan := o.up.StreamAssist(ctx, upstream.AssistRequest{
		Creds:          creds,
		ConfigID:       p.acct.ConfigID,
		Session:        p.session,
		QueryText:      queryText,
		FileIDs:        fileIDs,
		Model:          p.req.Model,
		ImageGenModels: p.cfg.ImageGeneration.Models,
		RequestID:      p.req.RequestID,
	})

	latestSession := p.session
	emitted := false
	contentLen := 0
	var files []upstream.FileRef

	emit := func(chunk []byte) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ev := range events {
		switch {
		case ev.Session != "":
			latestSession = ev.Session
		case ev.File != nil:
			files = append(files, *ev.File)
		case ev.Thought:
			if !emit(p.writer.Reasoning(ev.Text)) {
				return latestSession, emitted, ctx.Err()
			}
		case ev.Text != "":
			if !emit(p.writer.Content(ev.Text)) {
				return latestSession, emitted, ctx.Err()
			}
			emitted = true
			contentLen += len(ev.Text)
		}
	}
	if err := <-errChan; err != nil {
		return latestSession, emitted, err
	}
	if contentLen == 0 && len(files) == 0 {
		return latestSession, emitted, fmt.Errorf("empty response from upstream")
	}

	if len(files) > 0 {
		fragments := o.fetchMedia(ctx, creds, p, latestSession, files)
		for _, fragment := range fragments {
			if !emit(p.writer.Content(fragment)) {
				return latestSession, true, ctx.Err()
			}
		}
		emitted = true
	}

	if !emit(p.writer.Finish()) {
		return latestSession, emitted, ctx.Err()
	}
	return latestSession, emitted, nil
}

// fetchMedia downloads generated files concurrently and renders them in
// announcement order. A failed file becomes a visible inline error; the
// remaining files still render.
func (o *Orchestrator) fetchMedia(ctx context.Context, creds auth.Credentials, p attemptParams, session string, files []upstream.FileRef) []string {
	metadata, err := o.up.ListSessionFileMetadata(ctx, creds, p.acct.ConfigID, session, p.req.RequestID)
	if err != nil {
		log.Warnf("[%s] file metadata fetch failed: %v", p.req.RequestID, err)
		metadata = map[string]upstream.FileMetadata{}
	}

	fragments := make([]string, len(files))
	pool := pond.NewPool(4)
	for i, file := range files {
		i, file := i, file
		pool.Submit(func() {
			mime := file.MimeType
			downloadSession := session
			if meta, ok := metadata[file.FileID]; ok {
				if meta.MimeType != "" {
					mime = meta.MimeType
				}
				if meta.Session != "" {
					downloadSession = meta.Session
				}
			}
			data, errDownload := o.up.DownloadFile(ctx, creds, downloadSession, file.FileID, p.req.RequestID)
			if errDownload != nil {
				fragments[i] = media.InlineError(file.FileID, errDownload)
				return
			}
			var fragment string
			var errEmit error
			if strings.HasPrefix(mime, "video/") {
				fragment, errEmit = o.media.EmitVideo(p.cfg.VideoGeneration.OutputFormat, p.req.BaseURL, mime, data)
			} else {
				fragment, errEmit = o.media.EmitImage(p.cfg.ImageGeneration.OutputMode, p.req.BaseURL, mime, data)
			}
			if errEmit != nil {
				fragments[i] = media.InlineError(file.FileID, errEmit)
				return
			}
			fragments[i] = "\n" + fragment
		})
	}
	pool.StopAndWait()
	return fragments
}
