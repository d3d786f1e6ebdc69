package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"codeloom/internal/llm"
	mylog "codeloom/internal/log"
)

// Client talks to any OpenAI-compatible chat-completions endpoint.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	lg      *mylog.Logger
}

func New(baseURL string, lg *mylog.Logger) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  os.Getenv("OPENAI_API_KEY"),
		http:    &http.Client{Timeout: 120 * time.Second},
		lg:      lg,
	}
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *wireUsage) toTokenUsage() *llm.TokenUsage {
	if u == nil {
		return nil
	}
	return &llm.TokenUsage{Prompt: u.PromptTokens, Candidates: u.CompletionTokens, Total: u.TotalTokens}
}

func (c *Client) Send(ctx context.Context, req llm.Request) (llm.Stream, error) {
	msgs := make([]wireMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		role := "user"
		if m.Role == llm.RoleModel {
			role = "assistant"
		}
		msgs = append(msgs, wireMessage{Role: role, Content: m.PromptText()})
	}
	msgs = append(msgs, wireMessage{Role: "user", Content: req.Prompt})

	body := map[string]any{
		"model":    req.Model,
		"messages": msgs,
		"stream":   req.Stream,
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		body["top_p"] = *req.TopP
	}
	if req.Stream {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	b, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("openai: chat http %d: %s", resp.StatusCode, string(data))
	}
	if req.Stream {
		return &chatStream{body: resp.Body, r: bufio.NewReader(resp.Body)}, nil
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *wireUsage `json:"usage"`
	}
	dec := json.NewDecoder(resp.Body)
	decodeErr := dec.Decode(&out)
	resp.Body.Close()
	if decodeErr != nil {
		return nil, decodeErr
	}
	content := ""
	if len(out.Choices) > 0 {
		content = out.Choices[0].Message.Content
	}
	return llm.NewStaticStream(content, out.Usage.toTokenUsage()), nil
}

// chatStream reads SSE lines from a chat-completions stream. The usage
// accounting arrives on the final data chunk when stream_options requests
// it, before [DONE].
type chatStream struct {
	body  io.ReadCloser
	r     *bufio.Reader
	usage *llm.TokenUsage
}

func (s *chatStream) Recv() (string, *llm.TokenUsage, bool, error) {
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", s.usage, true, nil
			}
			return "", nil, true, err
		}
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return "", s.usage, true, nil
		}
		var evt struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
			Usage *wireUsage `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &evt); err != nil {
			continue
		}
		if evt.Usage != nil {
			s.usage = evt.Usage.toTokenUsage()
		}
		if len(evt.Choices) > 0 && evt.Choices[0].Delta.Content != "" {
			return evt.Choices[0].Delta.Content, nil, false, nil
		}
	}
}

func (s *chatStream) Close() error { return s.body.Close() }

// do performs the HTTP request with retries on 429/5xx.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	var err error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 4; attempt++ {
		attemptReq := req
		if attempt > 0 {
			if req.GetBody == nil {
				return resp, err
			}
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, bodyErr
			}
			attemptReq = req.Clone(req.Context())
			attemptReq.Body = body
		}
		resp, err = c.http.Do(attemptReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != 429 && resp.StatusCode/100 != 5 {
			return resp, nil
		}
		if attempt == 3 {
			return resp, nil
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if c.lg != nil {
			c.lg.Warn("openai.retry", "status", resp.StatusCode, "attempt", attempt)
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(backoff + time.Duration(attempt)*100*time.Millisecond):
		}
	}
	return resp, err
}
