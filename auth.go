package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"receiptflow/models"

	"golang.org/x/crypto/bcrypt"
)

func emailDomain() string {
	if v := os.Getenv("EMAIL_DOMAIN"); v != "" {
		return v
	}
	return "in.receiptflow.dev"
}

// newForwardingAddress builds a per-user inbound address. The random suffix
// keeps addresses unguessable so strangers cannot inject receipts into
// someone else's account.
func newForwardingAddress(username string) (string, error) {
	slug := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return -1
	}, username)
	if slug == "" {
		slug = "user"
	}
	if len(slug) > 20 {
		slug = slug[:20]
	}
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s@%s", slug, hex.EncodeToString(b), emailDomain()), nil
}

func RegisterUser(username, password string) (models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return models.User{}, fmt.Errorf("username required")
	}
	if len(password) < 6 { // basic password policy
		return models.User{}, fmt.Errorf("password too short (min 6)")
	}
	// pre-check existing (optimistic)
	var existing models.User
	if err := db.Where("username = ?", username).First(&existing).Error; err == nil {
		return models.User{}, fmt.Errorf("user already exists")
	}
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, err
	}
	// retry a few times in case the random forwarding suffix collides
	for attempt := 0; attempt < 3; attempt++ {
		addr, err := newForwardingAddress(username)
		if err != nil {
			return models.User{}, err
		}
		user := models.User{Username: username, HashedPassword: hashedPassword, ForwardingAddress: addr, Active: true}
		if err := db.Create(&user).Error; err != nil {
			if isUniqueConstraintError(err) {
				// could be the username (race after initial check) or the address
				var again models.User
				if db.Where("username = ?", username).First(&again).Error == nil {
					return models.User{}, fmt.Errorf("user already exists")
				}
				continue
			}
			return models.User{}, err
		}
		return user, nil
	}
	return models.User{}, fmt.Errorf("could not allocate forwarding address")
}

func Authenticate(username, password string) (models.User, error) {
	username = strings.TrimSpace(username)
	var user models.User
	if err := db.Where("username = ? AND active = ? AND deleted_at IS NULL", username, true).First(&user).Error; err != nil {
		return models.User{}, fmt.Errorf("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(user.HashedPassword, []byte(password)); err != nil {
		return models.User{}, fmt.Errorf("invalid credentials")
	}
	return user, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "duplicate key") || strings.Contains(s, "unique constraint") ||
		strings.Contains(s, "UNIQUE constraint") || strings.Contains(s, "already exists")
}
