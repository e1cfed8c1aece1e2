package auth

import "golang.org/x/crypto/bcrypt"

// HashAPIKey hashes a plaintext API key with bcrypt for storage.
func HashAPIKey(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyAPIKey checks a plaintext API key against its stored bcrypt hash.
func VerifyAPIKey(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
