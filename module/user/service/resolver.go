package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	usermodel "PPChat/module/user/model"
	"PPChat/tools/errs"
	"PPChat/tools/security"
)

// IdentityResolver turns a handshake credential into a user.
// Unknown or invalid credentials yield errs.ErrAuthentication; an unreachable
// backing store yields errs.ErrUpstream.
type IdentityResolver interface {
	Resolve(ctx context.Context, credential string) (*usermodel.User, error)
}

// TokenResolver verifies an HS* JWT whose subject is the numeric user id and
// loads the user from a Directory.
type TokenResolver struct {
	opts security.Options
	dir  Directory
}

func NewTokenResolver(opts security.Options, dir Directory) *TokenResolver {
	return &TokenResolver{opts: opts, dir: dir}
}

func (r *TokenResolver) Resolve(ctx context.Context, credential string) (*usermodel.User, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, errs.ErrAuthentication.WrapMsg("missing credential")
	}
	claims, err := security.Verify(r.opts, credential, "")
	if err != nil {
		return nil, errs.ErrAuthentication.Wrap(err, "verify token")
	}
	sub, err := claims.Subject()
	if err != nil {
		return nil, errs.ErrAuthentication.Wrap(err, "token subject")
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || id <= 0 {
		return nil, errs.ErrAuthentication.WrapMsg("token subject is not a user id", "sub", sub)
	}

	u, err := r.dir.Lookup(ctx, id)
	switch {
	case errors.Is(err, ErrUserNotFound):
		return nil, errs.ErrAuthentication.WrapMsg("unknown user", "user", id)
	case err != nil:
		return nil, errs.ErrUpstream.Wrap(err, "user directory", "user", id)
	}
	if !u.Active() {
		return nil, errs.ErrAuthentication.WrapMsg("account disabled", "user", id, "status", u.Status)
	}
	return u, nil
}

// IssueToken signs a credential for u.
func IssueToken(opts security.Options, u *usermodel.User) (string, error) {
	token, _, _, err := security.Generate(opts, strconv.FormatInt(u.ID, 10), []string{"chat"})
	return token, err
}
