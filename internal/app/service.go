package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"time"

	"courier/api/internal/auth"
	"courier/api/internal/authpw"
	"courier/api/internal/config"
	"courier/api/internal/email"
	"courier/api/internal/live"
	"courier/api/internal/search"
	"courier/api/internal/store"
	"courier/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// ThreadView is a thread as presented to its member: the raw row plus the
// display name computed for this viewer.
type ThreadView struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	DisplayName string   `json:"displayName"`
	Members     []string `json:"members"`
	CreatedAt   int64    `json:"createdAt"`
}

// MessageView is a message with its sender resolved to a display name.
type MessageView struct {
	ID         string `json:"id"`
	ThreadID   string `json:"threadId"`
	SenderUID  string `json:"senderUid"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	CreatedAt  int64  `json:"createdAt"`
}

// DirectoryEntry is one row of the user picker.
type DirectoryEntry struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	ListUsersExcept(context.Context, string) ([]store.User, error)
	InsertThread(context.Context, store.Thread) (store.Thread, error)
	GetThread(context.Context, string) (store.Thread, error)
	ListThreadsForUser(context.Context, string) ([]store.Thread, error)
	ListDirectThreadsContaining(context.Context, string, int) ([]store.Thread, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	Ping(ctx context.Context) error
}

type SessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type messageSearcher interface {
	Search(q search.Query) search.Response
	IndexMessage(record search.MessageRecord)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	tokens   *auth.Authenticator
	authPW   *authpw.Service
	email    *email.Service
	search   messageSearcher
	broker   *live.Broker
}

func New(cfg config.Config, dataStore dataStore, sessions SessionStore, tokens *auth.Authenticator, authPW *authpw.Service, emailSvc *email.Service, searchSvc messageSearcher, broker *live.Broker) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		tokens:   tokens,
		authPW:   authPW,
		email:    emailSvc,
		search:   searchSvc,
		broker:   broker,
	}
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authPW
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// SendVerificationEmail delivers the verification link out of band. A
// delivery failure is logged, not surfaced; the dev bypass in the signup
// handler covers unconfigured SMTP.
func (s *Service) SendVerificationEmail(to, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.AppBaseURL + "/verify-email?token=" + token
	go func() {
		if err := s.email.SendVerificationEmail(to, url); err != nil {
			log.Printf("email: send verification to %s: %v", to, err)
		}
	}()
}

func (s *Service) SendPasswordResetEmail(to, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := s.cfg.AppBaseURL + "/reset-password?token=" + token
	go func() {
		if err := s.email.SendPasswordResetEmail(to, url); err != nil {
			log.Printf("email: send password reset to %s: %v", to, err)
		}
	}()
}

// Sessions

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The session store may carry only the user id; re-read the row so the
	// new access token embeds the current email.
	user, err = s.store.GetUserByID(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := s.tokens.IssueToken(user.ID, user.Email, jti, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := s.tokens.ParseToken(token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Directory returns every other registered user, for the new-conversation
// picker. One-shot read: the directory does not update live.
func (s *Service) Directory(ctx context.Context, session Session) ([]DirectoryEntry, error) {
	users, err := s.store.ListUsersExcept(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	entries := make([]DirectoryEntry, 0, len(users))
	for _, user := range users {
		entries = append(entries, DirectoryEntry{UID: user.ID, Email: user.Email})
	}
	return entries, nil
}

// Threads

// BuildThreadList assembles the viewer's thread list, newest first, with
// display names resolved. Malformed rows are skipped with a warning rather
// than failing the whole list.
func (s *Service) BuildThreadList(ctx context.Context, userID string) ([]ThreadView, error) {
	threads, err := s.store.ListThreadsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	names := map[string]string{}
	views := make([]ThreadView, 0, len(threads))
	for _, thread := range threads {
		view, ok := s.threadView(ctx, thread, userID, names)
		if !ok {
			log.Printf("threads: skipping malformed thread %s (type=%q, %d members)", thread.ID, thread.Type, len(thread.Members))
			continue
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) threadView(ctx context.Context, thread store.Thread, viewerID string, names map[string]string) (ThreadView, bool) {
	view := ThreadView{
		ID:        thread.ID,
		Type:      thread.Type,
		Members:   thread.Members,
		CreatedAt: thread.CreatedAt.Unix(),
	}

	switch thread.Type {
	case store.ThreadTypeDM:
		other := otherMember(thread.Members, viewerID)
		if len(thread.Members) != 2 || other == "" {
			return ThreadView{}, false
		}
		view.DisplayName = "DM with " + s.displayName(ctx, other, names)
	case store.ThreadTypeGroup:
		if len(thread.Members) == 0 {
			return ThreadView{}, false
		}
		if thread.GroupName != "" {
			view.DisplayName = thread.GroupName
		} else {
			view.DisplayName = groupLabel(len(thread.Members))
		}
	default:
		return ThreadView{}, false
	}
	return view, true
}

// displayName maps a user id to its email, memoized per request. An id with
// no user row degrades to a truncated-id placeholder instead of failing.
func (s *Service) displayName(ctx context.Context, userID string, names map[string]string) string {
	if name, ok := names[userID]; ok {
		return name
	}
	name := ""
	user, err := s.store.GetUserByID(ctx, userID)
	if err == nil && user.Email != "" {
		name = user.Email
	} else {
		short := userID
		if len(short) > 6 {
			short = short[:6]
		}
		name = "User (" + short + "...)"
	}
	names[userID] = name
	return name
}

func groupLabel(memberCount int) string {
	if memberCount == 1 {
		return "Group (1 member)"
	}
	return fmt.Sprintf("Group (%d members)", memberCount)
}

func otherMember(members []string, viewerID string) string {
	for _, member := range members {
		if member != viewerID && member != "" {
			return member
		}
	}
	return ""
}

func containsMember(members []string, userID string) bool {
	for _, member := range members {
		if member == userID {
			return true
		}
	}
	return false
}

// ResolveOrCreateDirectThread finds the existing one-to-one thread between
// the viewer and otherUID, or creates it. The lookup pages a bounded
// containment query and filters for the exact pair client-side; past the
// bound an existing thread can be missed and a duplicate created. Two
// concurrent resolvers for the same pair can also both create; neither
// duplicate is treated as an error.
func (s *Service) ResolveOrCreateDirectThread(ctx context.Context, session Session, otherUID string) (ThreadView, bool, error) {
	otherUID = strings.TrimSpace(otherUID)
	if otherUID == "" {
		return ThreadView{}, false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "otherUid is required", nil)
	}
	if otherUID == session.UserID {
		return ThreadView{}, false, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "cannot open a conversation with yourself", nil)
	}

	other, err := s.store.GetUserByID(ctx, otherUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ThreadView{}, false, domainError(http.StatusNotFound, "USER_NOT_FOUND", "No such user", nil)
		}
		return ThreadView{}, false, err
	}

	candidates, err := s.store.ListDirectThreadsContaining(ctx, session.UserID, s.cfg.DMQueryLimit)
	if err != nil {
		return ThreadView{}, false, err
	}
	if len(candidates) >= s.cfg.DMQueryLimit {
		log.Printf("threads: dm lookup for %s hit the %d-thread page; older matches may be missed", session.UserID, s.cfg.DMQueryLimit)
	}

	names := map[string]string{}
	for _, candidate := range candidates {
		if len(candidate.Members) != 2 {
			continue
		}
		if containsMember(candidate.Members, otherUID) {
			view, ok := s.threadView(ctx, candidate, session.UserID, names)
			if !ok {
				continue
			}
			return view, false, nil
		}
	}

	members := []string{session.UserID, other.ID}
	sort.Strings(members)
	created, err := s.store.InsertThread(ctx, store.Thread{
		ID:      util.NewID("thr"),
		Type:    store.ThreadTypeDM,
		Members: members,
	})
	if err != nil {
		return ThreadView{}, false, err
	}

	s.broker.Publish(ctx, live.ThreadsTopic(session.UserID), live.ThreadsTopic(other.ID))

	view, _ := s.threadView(ctx, created, session.UserID, names)
	return view, true, nil
}

// Messages

// BuildMessageList returns the full message log of a thread the viewer
// belongs to, oldest first.
func (s *Service) BuildMessageList(ctx context.Context, session Session, threadID string) ([]MessageView, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			return nil, domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "No such thread", nil)
		}
		return nil, err
	}
	if !containsMember(thread.Members, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not a member of this thread", nil)
	}

	messages, err := s.store.ListMessages(ctx, threadID)
	if err != nil {
		return nil, err
	}

	names := map[string]string{}
	views := make([]MessageView, 0, len(messages))
	for _, message := range messages {
		if message.SenderUID == "" || message.Text == "" {
			log.Printf("messages: skipping malformed message %s in thread %s", message.ID, threadID)
			continue
		}
		views = append(views, MessageView{
			ID:         message.ID,
			ThreadID:   message.ThreadID,
			SenderUID:  message.SenderUID,
			SenderName: s.displayName(ctx, message.SenderUID, names),
			Text:       message.Text,
			CreatedAt:  message.CreatedAt.Unix(),
		})
	}
	return views, nil
}

// SendMessage appends a message to a thread the sender belongs to. Blank
// text is rejected before anything is written.
func (s *Service) SendMessage(ctx context.Context, session Session, threadID, text string) (MessageView, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return MessageView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Message text is required", nil)
	}

	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			return MessageView{}, domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "No such thread", nil)
		}
		return MessageView{}, err
	}
	if !containsMember(thread.Members, session.UserID) {
		return MessageView{}, domainError(http.StatusForbidden, "FORBIDDEN", "Not a member of this thread", nil)
	}

	message, err := s.store.InsertMessage(ctx, store.Message{
		ID:        util.NewID("msg"),
		ThreadID:  threadID,
		SenderUID: session.UserID,
		Text:      trimmed,
	})
	if err != nil {
		return MessageView{}, err
	}

	s.broker.Publish(ctx, live.MessagesTopic(threadID))

	if s.search != nil {
		s.search.IndexMessage(search.MessageRecord{
			ID:        message.ID,
			ThreadID:  message.ThreadID,
			SenderUID: message.SenderUID,
			Text:      message.Text,
			Members:   thread.Members,
			CreatedAt: message.CreatedAt.Unix(),
		})
	}

	return MessageView{
		ID:         message.ID,
		ThreadID:   message.ThreadID,
		SenderUID:  message.SenderUID,
		SenderName: session.Email,
		Text:       message.Text,
		CreatedAt:  message.CreatedAt.Unix(),
	}, nil
}

// Search runs a full-text query over the viewer's messages. Paging is
// clamped so a caller cannot request an unbounded page.
func (s *Service) Search(ctx context.Context, session Session, text, threadID string, limit, offset int) (search.Response, error) {
	if limit < 1 {
		limit = 20
	}
	if limit > searchMaxLimit {
		limit = searchMaxLimit
	}
	if offset < 0 {
		offset = 0
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	if threadID != "" {
		thread, err := s.store.GetThread(ctx, threadID)
		if err != nil {
			if errors.Is(err, store.ErrThreadNotFound) {
				return search.Response{}, domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "No such thread", nil)
			}
			return search.Response{}, err
		}
		if !containsMember(thread.Members, session.UserID) {
			return search.Response{}, domainError(http.StatusForbidden, "FORBIDDEN", "Not a member of this thread", nil)
		}
	}
	return s.search.Search(search.Query{
		Text:     text,
		UserID:   session.UserID,
		ThreadID: threadID,
		Limit:    limit,
		Offset:   offset,
	}), nil
}

// Live subscriptions

// SubscribeThreads opens a live feed of the viewer's thread list. The first
// snapshot arrives immediately.
func (s *Service) SubscribeThreads(ctx context.Context, session Session) *live.Subscription {
	userID := session.UserID
	return s.broker.Subscribe(ctx, live.ThreadsTopic(userID), func(ctx context.Context) (any, error) {
		return s.BuildThreadList(ctx, userID)
	})
}

// SubscribeMessages opens a live feed of a thread's message log, after
// checking the viewer belongs to it.
func (s *Service) SubscribeMessages(ctx context.Context, session Session, threadID string) (*live.Subscription, error) {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		if errors.Is(err, store.ErrThreadNotFound) {
			return nil, domainError(http.StatusNotFound, "THREAD_NOT_FOUND", "No such thread", nil)
		}
		return nil, err
	}
	if !containsMember(thread.Members, session.UserID) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Not a member of this thread", nil)
	}

	return s.broker.Subscribe(ctx, live.MessagesTopic(threadID), func(ctx context.Context) (any, error) {
		return s.BuildMessageList(ctx, session, threadID)
	}), nil
}
