package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// 请求体上限：最大的请求是批量样本状态，1 MiB 足够
const maxBodyBytes = 1 << 20

var errBodyTooLarge = errors.New("request body too large")

func respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// decodeBody 空 body 视为 {}；超长或非法 JSON 返回错误
func decodeBody(r *http.Request, out any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	switch {
	case err != nil:
		return err
	case len(raw) > maxBodyBytes:
		return errBodyTooLarge
	case len(strings.TrimSpace(string(raw))) == 0:
		return nil
	}
	return json.Unmarshal(raw, out)
}

// queryFlag ?detach=true；缺省或无法解析时为 false
func queryFlag(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}

// bearerToken Authorization: Bearer <token>
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
