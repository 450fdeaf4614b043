// Package service exposes the authorization operations to an API layer.
// Every operation returns a reply embedding autherr.Result; errors and
// panics never cross this boundary.
package service

import (
	"context"
	"fmt"

	"github.com/entrhq/authkeeper/pkg/authflow"
	"github.com/entrhq/authkeeper/pkg/autherr"
	"github.com/entrhq/authkeeper/pkg/logging"
	"github.com/entrhq/authkeeper/pkg/platform"
	"github.com/entrhq/authkeeper/pkg/scanner"
	"github.com/entrhq/authkeeper/pkg/session"
)

// Deps are the components a Service fronts.
type Deps struct {
	Coordinator *authflow.Coordinator
	Sessions    *session.Store
	Scanner     *scanner.Scanner
	Platforms   *platform.Table
	Logger      *logging.Logger
}

// Service is the public operation facade.
type Service struct {
	coord     *authflow.Coordinator
	sessions  *session.Store
	scanner   *scanner.Scanner
	platforms *platform.Table
	log       *logging.Logger

	closers []func() error
}

// New creates a service over already-built components.
func New(d Deps) *Service {
	return &Service{
		coord:     d.Coordinator,
		sessions:  d.Sessions,
		scanner:   d.Scanner,
		platforms: d.Platforms,
		log:       logging.For(d.Logger),
	}
}

// Platforms returns the platform table.
func (s *Service) Platforms() *platform.Table { return s.platforms }

// guard turns a panic into a failed result.
func (s *Service) guard(op string, res *autherr.Result) {
	if r := recover(); r != nil {
		s.log.Errorf("%s panicked: %v", op, r)
		*res = autherr.Fail(autherr.Newf(autherr.CodeInternal, "%s failed: %v", op, r))
	}
}

func (s *Service) fail(op string, err error) autherr.Result {
	s.log.Warnf("%s: %v", op, err)
	return autherr.Fail(err)
}

// knownPlatform rejects IDs missing from the platform table before any
// store lookup, so an unknown platform never reads as a missing session.
func (s *Service) knownPlatform(id string) error {
	if s.platforms == nil {
		return autherr.Newf(autherr.CodeUnknownPlatform, "unknown platform %q", id).With("platform", id)
	}
	_, err := s.platforms.Get(id)
	return err
}

// StartFlowReply answers StartAuthFlow.
type StartFlowReply struct {
	autherr.Result
	FlowID    string   `json:"auth_session_id,omitempty"`
	Platforms []string `json:"platforms,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// StartAuthFlow begins a multi-platform authorization.
func (s *Service) StartAuthFlow(userID, projectID int64, platforms []string) (reply StartFlowReply) {
	defer s.guard("start auth flow", &reply.Result)

	f, err := s.coord.StartAuthFlow(userID, projectID, platforms)
	if err != nil {
		return StartFlowReply{Result: s.fail("start auth flow", err)}
	}
	reply = StartFlowReply{Result: autherr.OK(), FlowID: f.ID, Message: "auth flow started"}
	for _, ps := range f.Platforms {
		reply.Platforms = append(reply.Platforms, ps.Platform)
	}
	return reply
}

// FlowReply carries a flow snapshot.
type FlowReply struct {
	autherr.Result
	Flow *authflow.Flow `json:"status,omitempty"`
}

// GetAuthStatus reports the flow's state.
func (s *Service) GetAuthStatus(flowID string) (reply FlowReply) {
	defer s.guard("get auth status", &reply.Result)

	f, err := s.coord.GetAuthStatus(flowID)
	if err != nil {
		return FlowReply{Result: s.fail("get auth status", err)}
	}
	return FlowReply{Result: autherr.OK(), Flow: f}
}

// PlatformReply answers StartPlatformAuth.
type PlatformReply struct {
	autherr.Result
	Platform string                  `json:"platform,omitempty"`
	State    *authflow.PlatformState `json:"state,omitempty"`
	Message  string                  `json:"message,omitempty"`
}

// StartPlatformAuth opens the login window for one platform.
func (s *Service) StartPlatformAuth(ctx context.Context, flowID, platformID string) (reply PlatformReply) {
	defer s.guard("start platform auth", &reply.Result)

	ps, err := s.coord.StartPlatformAuth(ctx, flowID, platformID)
	if err != nil {
		return PlatformReply{Result: s.fail("start platform auth", err), Platform: platformID}
	}
	return PlatformReply{
		Result:   autherr.OK(),
		Platform: platformID,
		State:    ps,
		Message:  "login window opened, complete the sign-in there",
	}
}

// CompleteReply answers CompletePlatformAuth.
type CompleteReply struct {
	autherr.Result
	Platform string          `json:"platform,omitempty"`
	Session  *session.Status `json:"session,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// CompletePlatformAuth re-checks a platform against the session store.
func (s *Service) CompletePlatformAuth(ctx context.Context, flowID, platformID string) (reply CompleteReply) {
	defer s.guard("complete platform auth", &reply.Result)

	st, err := s.coord.CompletePlatformAuth(ctx, flowID, platformID)
	if err != nil {
		return CompleteReply{Result: s.fail("complete platform auth", err), Platform: platformID, Session: st}
	}
	return CompleteReply{Result: autherr.OK(), Platform: platformID, Session: st, Message: "authorized"}
}

// MessageReply is a bare acknowledgement.
type MessageReply struct {
	autherr.Result
	Message string `json:"message,omitempty"`
}

// CancelAuthFlow closes the flow's login windows.
func (s *Service) CancelAuthFlow(flowID string) (reply MessageReply) {
	defer s.guard("cancel auth flow", &reply.Result)

	if err := s.coord.CancelAuthFlow(flowID); err != nil {
		return MessageReply{Result: s.fail("cancel auth flow", err)}
	}
	return MessageReply{Result: autherr.OK(), Message: "auth flow cancelled"}
}

// SessionsReply lists stored sessions.
type SessionsReply struct {
	autherr.Result
	Sessions []session.Info `json:"sessions"`
	Total    int            `json:"total"`
}

// ListSessions lists a user's stored sessions. A nil projectID matches all
// projects; platformGlob may be empty.
func (s *Service) ListSessions(ctx context.Context, userID int64, projectID *int64, platformGlob string) (reply SessionsReply) {
	defer s.guard("list sessions", &reply.Result)

	if userID <= 0 {
		return SessionsReply{Result: s.fail("list sessions", autherr.New(autherr.CodeInvalidParams, "user_id is required"))}
	}
	infos, err := s.sessions.List(ctx, session.Filter{UserID: userID, ProjectID: projectID, Platform: platformGlob})
	if err != nil {
		return SessionsReply{Result: s.fail("list sessions", err)}
	}
	return SessionsReply{Result: autherr.OK(), Sessions: infos, Total: len(infos)}
}

// StatusReply carries one session's health.
type StatusReply struct {
	autherr.Result
	Session *session.Status `json:"session,omitempty"`
}

// GetSessionStatus classifies a stored session. The fast path reads
// metadata only; otherwise a heartbeat may run.
func (s *Service) GetSessionStatus(ctx context.Context, userID, projectID int64, platformID string, fast bool) (reply StatusReply) {
	defer s.guard("get session status", &reply.Result)

	if err := s.knownPlatform(platformID); err != nil {
		return StatusReply{Result: s.fail("get session status", err)}
	}
	key := session.Key{UserID: userID, ProjectID: projectID, Platform: platformID}
	var (
		st  *session.Status
		err error
	)
	if fast {
		st, err = s.sessions.StatusFast(ctx, key)
	} else {
		st, err = s.sessions.Status(ctx, key)
	}
	if err != nil {
		return StatusReply{Result: s.fail("get session status", err)}
	}
	return StatusReply{Result: autherr.OK(), Session: st}
}

// DeleteSession removes a stored session.
func (s *Service) DeleteSession(ctx context.Context, userID, projectID int64, platformID string) (reply MessageReply) {
	defer s.guard("delete session", &reply.Result)

	if err := s.knownPlatform(platformID); err != nil {
		return MessageReply{Result: s.fail("delete session", err)}
	}
	key := session.Key{UserID: userID, ProjectID: projectID, Platform: platformID}
	if err := s.sessions.Delete(ctx, key); err != nil {
		return MessageReply{Result: s.fail("delete session", err)}
	}
	return MessageReply{Result: autherr.OK(), Message: "session deleted"}
}

// CleanupReply reports how much was removed.
type CleanupReply struct {
	autherr.Result
	Removed int `json:"removed"`
}

// CleanupExpiredSessions drops auth flows past their TTL.
func (s *Service) CleanupExpiredSessions() (reply CleanupReply) {
	defer s.guard("cleanup expired sessions", &reply.Result)
	return CleanupReply{Result: autherr.OK(), Removed: s.coord.CleanupExpiredSessions()}
}

// PruneSessions deletes stored sessions that are invalid by age alone.
func (s *Service) PruneSessions(ctx context.Context, f session.Filter) (reply CleanupReply) {
	defer s.guard("prune sessions", &reply.Result)

	infos, err := s.sessions.List(ctx, f)
	if err != nil {
		return CleanupReply{Result: s.fail("prune sessions", err)}
	}
	removed := 0
	for _, info := range infos {
		if info.Health != session.HealthInvalid {
			continue
		}
		if err := s.sessions.Delete(ctx, info.Key); err != nil {
			s.log.Warnf("prune %s: %v", info.Key, err)
			continue
		}
		removed++
	}
	return CleanupReply{Result: autherr.OK(), Removed: removed}
}

// ScanReply carries a batch summary.
type ScanReply struct {
	autherr.Result
	Summary *scanner.Summary `json:"summary,omitempty"`
}

// CheckAllAccounts re-validates every active account.
func (s *Service) CheckAllAccounts(ctx context.Context, progress scanner.Progress) ScanReply {
	return s.CheckAccounts(ctx, "", progress)
}

// CheckAccounts re-validates the active accounts on platforms matching a glob.
func (s *Service) CheckAccounts(ctx context.Context, platformGlob string, progress scanner.Progress) (reply ScanReply) {
	defer s.guard("check all accounts", &reply.Result)

	if s.scanner == nil {
		return ScanReply{Result: s.fail("check all accounts", autherr.New(autherr.CodeInternal, "account scanner not configured"))}
	}
	summary, err := s.scanner.CheckAccounts(ctx, platformGlob, progress)
	if err != nil {
		return ScanReply{Result: s.fail("check all accounts", err), Summary: summary}
	}
	return ScanReply{Result: autherr.OK(), Summary: summary}
}

// Close stops live flows and releases every resource, in reverse order of
// acquisition.
func (s *Service) Close() error {
	if s.coord != nil {
		s.coord.Shutdown()
	}
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close: %w", err)
		}
	}
	s.closers = nil
	return firstErr
}
