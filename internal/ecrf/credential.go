package ecrf

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

type credentialCtxKey struct{}

// WithCredential 把调用者的平台令牌放入 ctx，之后的 eCRF 调用以该身份发出
func WithCredential(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, credentialCtxKey{}, token)
}

// CredentialFrom 返回 ctx 中的调用者令牌；没有时 ok=false（使用服务令牌）
func CredentialFrom(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(credentialCtxKey{}).(string)
	return token, ok && token != ""
}

// credentialTag 缓存键里的身份标识，不落明文令牌
func credentialTag(ctx context.Context) string {
	token, ok := CredentialFrom(ctx)
	if !ok {
		return "service"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:12])
}
