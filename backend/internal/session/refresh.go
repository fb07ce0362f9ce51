package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// TokenRefresher 负责一次性的令牌换新。
// 约定：401 等价失败只允许调用一次 Refresh；刷新失败即放弃，不再自动重试。
type TokenRefresher interface {
	Refresh(ctx context.Context, oldToken string) (string, error)
}

var ErrRefreshFailed = errors.New("TOKEN_REFRESH_FAILED")

// HTTPRefresher 调 relay 的 /v1/session/refresh 接口换新令牌。
type HTTPRefresher struct {
	// BaseURL 不要带路径，refresher 自己拼 "/v1/session/refresh"，
	// 不然很容易拼出双斜杠
	BaseURL string
	Client  *http.Client
}

type refreshReq struct {
	Token string `json:"token"`
}

type refreshResp struct {
	InviteToken string `json:"inviteToken"`
}

func (r *HTTPRefresher) Refresh(ctx context.Context, oldToken string) (string, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{}
	}
	refreshURL := strings.TrimRight(r.BaseURL, "/") + "/v1/session/refresh"

	body, err := json.Marshal(refreshReq{Token: oldToken})
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 1200*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, refreshURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+oldToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", ErrRefreshFailed
	}
	var out refreshResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.InviteToken == "" {
		return "", ErrRefreshFailed
	}
	return out.InviteToken, nil
}
