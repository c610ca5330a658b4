package session

import (
	"context"

	"github.com/gorilla/sessions"
)

// CookieStore exposes a gorilla session as a Store. Values are written to
// the in-memory session and reach the browser when the host saves it.
type CookieStore struct {
	sess *sessions.Session
}

// NewCookieStore wraps a gorilla session.
func NewCookieStore(sess *sessions.Session) *CookieStore {
	return &CookieStore{sess: sess}
}

func (s *CookieStore) Exists(_ context.Context, key string) (bool, error) {
	if s.sess == nil {
		return false, ErrUnavailable
	}
	_, ok := s.sess.Values[key]
	return ok, nil
}

func (s *CookieStore) Get(_ context.Context, key string) (string, bool, error) {
	if s.sess == nil {
		return "", false, ErrUnavailable
	}
	v, ok := s.sess.Values[key]
	if !ok {
		return "", false, nil
	}
	str, ok := v.(string)
	return str, ok, nil
}

func (s *CookieStore) Put(_ context.Context, key, value string) error {
	if s.sess == nil {
		return ErrUnavailable
	}
	s.sess.Values[key] = value
	return nil
}

func (s *CookieStore) Remove(_ context.Context, key string) error {
	if s.sess == nil {
		return ErrUnavailable
	}
	delete(s.sess.Values, key)
	return nil
}
