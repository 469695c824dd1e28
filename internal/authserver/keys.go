package authserver

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// 導出鍵の用途ラベル
const (
	PurposeSessionCookie = "fueled-forward/session-cookie"
	PurposeEngineHooks   = "fueled-forward/engine-hooks"
)

// devSecret は開発環境で秘密鍵が未設定の場合にだけ使われます。
const devSecret = "fueled-forward-development-secret"

// DeriveKey は署名用秘密鍵から用途ごとの鍵を HKDF-SHA256 で導出します。
func DeriveKey(secret, purpose string, size int) []byte {
	if secret == "" {
		secret = devSecret
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(purpose))
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		// size が HKDF の上限 (255*32) を超えた場合のみ
		panic("authserver: key derivation failed: " + err.Error())
	}
	return key
}
