// Package nvr drives a recorder's manual-record tracks over its ISAPI
// HTTP surface. One track per camera channel: trackID = channel*100 + 1.
package nvr

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Controller is the two-call recording control protocol the rest of the
// service programs against.
type Controller interface {
	StartTrack(ctx context.Context, trackID int) error
	StopTrack(ctx context.Context, trackID int) error
}

// TrackID derives the recorder track number from a camera channel.
func TrackID(channel int) int {
	return channel*100 + 1
}

// ControlError describes a failed start/stop call. StatusCode is zero
// when the request never completed.
type ControlError struct {
	Op         string
	TrackID    int
	StatusCode int
	Err        error
}

func (e *ControlError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nvr %s track %d: %v", e.Op, e.TrackID, e.Err)
	}
	return fmt.Sprintf("nvr %s track %d: unexpected status %d", e.Op, e.TrackID, e.StatusCode)
}

func (e *ControlError) Unwrap() error { return e.Err }

// Client talks to one recorder. Safe for concurrent use.
type Client struct {
	host   string
	user   string
	pass   string
	client *http.Client
	logger *zap.Logger
}

func NewClient(host, user, pass string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		host:   host,
		user:   user,
		pass:   pass,
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("nvr"),
	}
}

// StartTrack begins manual recording on the given track.
func (c *Client) StartTrack(ctx context.Context, trackID int) error {
	return c.control(ctx, "start", trackID)
}

// StopTrack ends manual recording on the given track.
func (c *Client) StopTrack(ctx context.Context, trackID int) error {
	return c.control(ctx, "stop", trackID)
}

func (c *Client) control(ctx context.Context, action string, trackID int) error {
	uri := fmt.Sprintf("/ISAPI/ContentMgmt/record/control/manual/%s/tracks/%d", action, trackID)
	url := fmt.Sprintf("http://%s%s", c.host, uri)

	resp, err := c.put(ctx, url, "")
	if err != nil {
		return &ControlError{Op: action, TrackID: trackID, Err: err}
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	// Recorders answer 401 with a digest challenge on the first request.
	if resp.StatusCode == http.StatusUnauthorized {
		realm, nonce, err := parseDigestChallenge(resp.Header.Get("WWW-Authenticate"))
		if err != nil {
			return &ControlError{Op: action, TrackID: trackID, StatusCode: resp.StatusCode, Err: err}
		}
		resp, err = c.put(ctx, url, c.digestAuth(http.MethodPut, uri, realm, nonce))
		if err != nil {
			return &ControlError{Op: action, TrackID: trackID, Err: err}
		}
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("control call rejected",
			zap.String("action", action),
			zap.Int("track", trackID),
			zap.Int("status", resp.StatusCode),
			zap.String("body", strings.TrimSpace(string(body))))
		return &ControlError{Op: action, TrackID: trackID, StatusCode: resp.StatusCode}
	}

	c.logger.Debug("control call accepted",
		zap.String("action", action),
		zap.Int("track", trackID),
		zap.Int("status", resp.StatusCode))
	return nil
}

func (c *Client) put(ctx context.Context, url, authorization string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	} else {
		req.SetBasicAuth(c.user, c.pass)
	}
	return c.client.Do(req)
}

// parseDigestChallenge extracts realm and nonce from a WWW-Authenticate
// header.
func parseDigestChallenge(header string) (realm, nonce string, err error) {
	if header == "" {
		return "", "", fmt.Errorf("no WWW-Authenticate header in response")
	}
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(part, "Digest ") {
			part = strings.TrimSpace(strings.TrimPrefix(part, "Digest "))
		}
		if strings.HasPrefix(part, "realm=") {
			realm = strings.Trim(part[6:], "\"")
		} else if strings.HasPrefix(part, "nonce=") {
			nonce = strings.Trim(part[6:], "\"")
		}
	}
	if realm == "" || nonce == "" {
		return "", "", fmt.Errorf("invalid WWW-Authenticate header: %s", header)
	}
	return realm, nonce, nil
}

// digestAuth builds an MD5 digest Authorization header for the challenge.
func (c *Client) digestAuth(method, uri, realm, nonce string) string {
	cnonceBytes := md5.Sum([]byte(time.Now().String()))
	cnonce := base64.StdEncoding.EncodeToString(cnonceBytes[:])

	ha1 := fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", c.user, realm, c.pass))))
	ha2 := fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("%s:%s", method, uri))))
	response := fmt.Sprintf("%x", md5.Sum([]byte(fmt.Sprintf("%s:%s:00000001:%s:auth:%s", ha1, nonce, cnonce, ha2))))

	return fmt.Sprintf(`Digest username="%s", realm="%s", nonce="%s", uri="%s", cnonce="%s", nc=00000001, qop=auth, response="%s"`,
		c.user, realm, nonce, uri, cnonce, response)
}
