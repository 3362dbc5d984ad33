// Package webapi is the HTTP form-encoded client for the central web API
// (§6): fetching problem/language metadata and file lists, downloading
// problem files, and posting judge/IDE status updates.
package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	appErr "github.com/FouGuai/fuzoj-judge-worker/pkg/errors"

	"github.com/FouGuai/fuzoj-judge-worker/internal/judgeworker/model"
)

// envelope is the {code, message?, data} shape every endpoint except
// download_file returns. code == 0 is success.
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Client is the worker's only collaborator for the web API; it carries no
// mutable state beyond the http.Client's connection pool (§5).
type Client struct {
	baseURL string
	uuid    string
	http    *http.Client
}

// New constructs a Client. baseURL has no trailing slash; uuid is this
// judger's registered identifier sent with every request.
func New(baseURL, uuid string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		uuid:    uuid,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) post(ctx context.Context, path string, form url.Values) (envelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return envelope{}, appErr.Wrapf(err, appErr.JudgeSystemError, "build request for %s failed", path)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return envelope{}, appErr.Wrapf(err, appErr.JudgeSystemError, "request %s failed", path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, appErr.Wrapf(err, appErr.JudgeSystemError, "read response for %s failed", path)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope{}, appErr.Wrapf(err, appErr.JudgeSystemError, "decode response for %s failed", path)
	}
	if env.Code != 0 {
		return env, appErr.Newf(appErr.JudgeSystemError, "%s: %s", path, env.Message)
	}
	return env, nil
}

// GetProblemInfo implements /api/judge/get_problem_info.
func (c *Client) GetProblemInfo(ctx context.Context, problemID int64) (model.ProblemInfo, error) {
	env, err := c.post(ctx, "/api/judge/get_problem_info", url.Values{
		"uuid":       {c.uuid},
		"problem_id": {fmt.Sprintf("%d", problemID)},
	})
	if err != nil {
		return model.ProblemInfo{}, err
	}
	var info model.ProblemInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		return model.ProblemInfo{}, appErr.Wrapf(err, appErr.JudgeSystemError, "decode problem info failed")
	}
	return info, nil
}

// GetLangConfig implements /api/judge/get_lang_config_as_json.
func (c *Client) GetLangConfig(ctx context.Context, langID string) (model.LanguageConfig, error) {
	env, err := c.post(ctx, "/api/judge/get_lang_config_as_json", url.Values{
		"lang_id": {langID},
		"uuid":    {c.uuid},
	})
	if err != nil {
		return model.LanguageConfig{}, err
	}
	var cfg model.LanguageConfig
	if err := json.Unmarshal(env.Data, &cfg); err != nil {
		return model.LanguageConfig{}, appErr.Wrapf(err, appErr.JudgeSystemError, "decode language config failed")
	}
	return cfg, nil
}

// GetFileList implements /api/judge/get_file_list.
func (c *Client) GetFileList(ctx context.Context, problemID int64) ([]model.ProblemFile, error) {
	env, err := c.post(ctx, "/api/judge/get_file_list", url.Values{
		"uuid":       {c.uuid},
		"problem_id": {fmt.Sprintf("%d", problemID)},
	})
	if err != nil {
		return nil, err
	}
	var files []model.ProblemFile
	if err := json.Unmarshal(env.Data, &files); err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "decode file list failed")
	}
	return files, nil
}

// DownloadFile implements /api/judge/download_file, which returns raw
// bytes rather than the {code,message,data} envelope.
func (c *Client) DownloadFile(ctx context.Context, problemID int64, filename string) (io.ReadCloser, error) {
	form := url.Values{
		"uuid":       {c.uuid},
		"problem_id": {fmt.Sprintf("%d", problemID)},
		"filename":   {filename},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/judge/download_file", bytes.NewBufferString(form.Encode()))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "build download request failed")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.JudgeSystemError, "download %s failed", filename)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, appErr.Newf(appErr.JudgeSystemError, "download %s: http %d", filename, resp.StatusCode)
	}
	return resp.Body, nil
}

// UpdateJudgeResult implements /api/judge/update (C8's only collaborator).
func (c *Client) UpdateJudgeResult(ctx context.Context, uuid string, judgeResultJSON []byte, submissionID int64, message, extraStatus, extraInfo string) error {
	form := url.Values{
		"uuid":          {uuid},
		"judge_result":  {string(judgeResultJSON)},
		"submission_id": {fmt.Sprintf("%d", submissionID)},
		"message":       {message},
	}
	if extraStatus != "" {
		form.Set("extra_status", extraStatus)
	}
	if extraInfo != "" {
		form.Set("extra_information_by_remote_judge", extraInfo)
	}
	_, err := c.post(ctx, "/api/judge/update", form)
	return err
}

// UpdateIDERun implements /api/ide/update.
func (c *Client) UpdateIDERun(ctx context.Context, runID int64, message, status string) error {
	_, err := c.post(ctx, "/api/ide/update", url.Values{
		"uuid":    {c.uuid},
		"run_id":  {fmt.Sprintf("%d", runID)},
		"message": {message},
		"status":  {status},
	})
	return err
}
