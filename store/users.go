package store

import (
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/aoxmail/aox/dbq"
)

// User is a row of the users table.
type User struct {
	Id     int64  `db:"id"`
	Login  string `db:"login"`
	Secret string `db:"secret"`
}

var ErrBadCredentials = errors.New("unknown user or wrong password")

// Authenticate looks up a login and verifies the password against the
// stored bcrypt hash. It runs synchronously on the caller's goroutine and
// is meant for subcommands, not the event loop.
func Authenticate(pool *dbq.Pool, login, password string) (User, error) {
	var u User
	if err := pool.DB().Get(&u, "select id, login, secret from users where login=$1", login); err != nil {
		return User{}, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Secret), []byte(password)); err != nil {
		return User{}, ErrBadCredentials
	}
	return u, nil
}

// HashSecret returns the bcrypt hash stored in users.secret.
func HashSecret(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(h), err
}
