// Copyright 2025 AegisGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"aegisgate/platform/shared/logger"
)

// Token delimiters. Tokens are opaque to the agent and survive round
// trips through model output verbatim.
const (
	TokenPrefix = "|<PRIVATE_DATA_"
	TokenSuffix = ">|"
)

// tokenPattern matches the full token syntax: delimiter, 16-128 hex
// characters, closing delimiter.
var tokenPattern = regexp.MustCompile(regexp.QuoteMeta(TokenPrefix) + `[0-9a-f]{16,128}` + regexp.QuoteMeta(TokenSuffix))

// Obfuscator replaces sensitive values with session-scoped tokens on the
// way out and restores them on the way in. Detection is two passes: the
// secret-pattern table first, then the validated entity recognizer on the
// remaining text.
type Obfuscator struct {
	detector   *SecretDetector
	recognizer *EntityRecognizer
	store      TokenStore
	hexBytes   int
	log        *logger.Logger
}

// NewObfuscator builds the tokenization pipeline. hexBytes controls minted
// token length (hexBytes*2 hex characters) and is clamped to the range the
// token syntax permits.
func NewObfuscator(detector *SecretDetector, recognizer *EntityRecognizer, store TokenStore, hexBytes int, log *logger.Logger) *Obfuscator {
	if hexBytes < 8 {
		hexBytes = 8
	}
	if hexBytes > 64 {
		hexBytes = 64
	}
	return &Obfuscator{
		detector:   detector,
		recognizer: recognizer,
		store:      store,
		hexBytes:   hexBytes,
		log:        log,
	}
}

// TokenSource names the call a tokenized value came from. Zero value means
// no call context, as on the standalone tokenize endpoint.
type TokenSource struct {
	Kind string
	Name string
}

// mintToken creates a fresh random token and records the mapping under the
// session.
func (o *Obfuscator) mintToken(ctx context.Context, sessionID string, source TokenSource, value, category string) (string, error) {
	buf := make([]byte, o.hexBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	token := TokenPrefix + hex.EncodeToString(buf) + TokenSuffix
	rec := TokenRecord{
		Token:      token,
		Value:      value,
		Categories: []string{category},
		SourceKind: source.Kind,
		SourceName: source.Name,
	}
	if err := o.store.Store(ctx, sessionID, rec); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	tokensMinted.WithLabelValues(category).Inc()
	return token, nil
}

// ObfuscateText runs both detection passes over text and replaces each
// finding with a minted token. Findings that overlap an earlier
// replacement or sit inside an existing token are skipped, so already
// tokenized text is never double-wrapped.
func (o *Obfuscator) ObfuscateText(ctx context.Context, sessionID string, source TokenSource, text string) (string, error) {
	out, err := o.replaceFindings(ctx, sessionID, source, text, o.detector.Detect(text))
	if err != nil {
		return "", err
	}
	out, err = o.replaceFindings(ctx, sessionID, source, out, o.recognizer.Recognize(out))
	if err != nil {
		return "", err
	}
	return out, nil
}

// replaceFindings applies findings to text right-to-left so earlier
// offsets stay valid.
func (o *Obfuscator) replaceFindings(ctx context.Context, sessionID string, source TokenSource, text string, findings []Finding) (string, error) {
	if len(findings) == 0 {
		return text, nil
	}

	tokenSpans := tokenPattern.FindAllStringIndex(text, -1)

	sort.Slice(findings, func(i, j int) bool { return findings[i].Start < findings[j].Start })

	kept := findings[:0]
	lastEnd := -1
	for _, f := range findings {
		if f.Start < lastEnd {
			continue
		}
		if spanOverlaps(tokenSpans, f.Start, f.End) {
			continue
		}
		kept = append(kept, f)
		lastEnd = f.End
	}

	out := text
	for i := len(kept) - 1; i >= 0; i-- {
		f := kept[i]
		token, err := o.mintToken(ctx, sessionID, source, f.Value, f.Category)
		if err != nil {
			return "", err
		}
		out = out[:f.Start] + token + out[f.End:]
	}
	return out, nil
}

func spanOverlaps(spans [][]int, start, end int) bool {
	for _, s := range spans {
		if start < s[1] && end > s[0] {
			return true
		}
	}
	return false
}

// DetokenizeText replaces every known token in text with its original
// value. Tokens with no mapping in this session pass through unchanged.
func (o *Obfuscator) DetokenizeText(ctx context.Context, sessionID, text string) string {
	return tokenPattern.ReplaceAllStringFunc(text, func(token string) string {
		value, ok, err := o.store.Lookup(ctx, sessionID, token)
		if err != nil {
			o.log.ErrorWithErr(sessionID, "", "Token lookup failed", err, nil)
			return token
		}
		if !ok {
			return token
		}
		tokensResolved.Inc()
		return value
	})
}

// TextBlock is a structured content block carrying text.
type TextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ObfuscatePayload tokenizes text wherever it appears in a call result
// payload. Three shapes are understood: a bare string, a single text
// block, and a composite result object carrying data, structured content,
// and a content list. Unknown shapes are returned untouched.
func (o *Obfuscator) ObfuscatePayload(ctx context.Context, sessionID string, source TokenSource, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	var bare string
	if err := json.Unmarshal(payload, &bare); err == nil {
		out, err := o.ObfuscateText(ctx, sessionID, source, bare)
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	}

	var node map[string]json.RawMessage
	if err := json.Unmarshal(payload, &node); err != nil {
		return payload, nil
	}

	// TextBlock: {"type": "text", "text": ...}
	if isTextBlock(node) {
		var block TextBlock
		if err := json.Unmarshal(payload, &block); err == nil {
			out, err := o.ObfuscateText(ctx, sessionID, source, block.Text)
			if err != nil {
				return nil, err
			}
			block.Text = out
			return json.Marshal(block)
		}
	}

	changed := false
	if raw, ok := node["data"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			out, err := o.ObfuscateText(ctx, sessionID, source, s)
			if err != nil {
				return nil, err
			}
			if b, err := json.Marshal(out); err == nil {
				node["data"] = b
				changed = true
			}
		}
	}
	if raw, ok := node["structured_content"]; ok {
		var sc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &sc); err == nil {
			if resRaw, ok := sc["result"]; ok {
				var s string
				if err := json.Unmarshal(resRaw, &s); err == nil {
					out, err := o.ObfuscateText(ctx, sessionID, source, s)
					if err != nil {
						return nil, err
					}
					if b, err := json.Marshal(out); err == nil {
						sc["result"] = b
						if b2, err := json.Marshal(sc); err == nil {
							node["structured_content"] = b2
							changed = true
						}
					}
				}
			}
		}
	}
	if raw, ok := node["content"]; ok {
		var blocks []TextBlock
		if err := json.Unmarshal(raw, &blocks); err == nil {
			blockChanged := false
			for i := range blocks {
				if blocks[i].Type != "text" {
					continue
				}
				out, err := o.ObfuscateText(ctx, sessionID, source, blocks[i].Text)
				if err != nil {
					return nil, err
				}
				if out != blocks[i].Text {
					blocks[i].Text = out
					blockChanged = true
				}
			}
			if blockChanged {
				if b, err := json.Marshal(blocks); err == nil {
					node["content"] = b
					changed = true
				}
			}
		}
	}

	if !changed {
		return payload, nil
	}
	return json.Marshal(node)
}

// DetokenizePayload restores original values wherever tokens appear in a
// payload, covering the same shapes as ObfuscatePayload.
func (o *Obfuscator) DetokenizePayload(ctx context.Context, sessionID string, payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}

	var bare string
	if err := json.Unmarshal(payload, &bare); err == nil {
		if b, err := json.Marshal(o.DetokenizeText(ctx, sessionID, bare)); err == nil {
			return b
		}
		return payload
	}

	var node map[string]json.RawMessage
	if err := json.Unmarshal(payload, &node); err != nil {
		return payload
	}

	if isTextBlock(node) {
		var block TextBlock
		if err := json.Unmarshal(payload, &block); err == nil {
			block.Text = o.DetokenizeText(ctx, sessionID, block.Text)
			if b, err := json.Marshal(block); err == nil {
				return b
			}
		}
	}

	changed := false
	if raw, ok := node["data"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if b, err := json.Marshal(o.DetokenizeText(ctx, sessionID, s)); err == nil {
				node["data"] = b
				changed = true
			}
		}
	}
	if raw, ok := node["structured_content"]; ok {
		var sc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &sc); err == nil {
			if resRaw, ok := sc["result"]; ok {
				var s string
				if err := json.Unmarshal(resRaw, &s); err == nil {
					if b, err := json.Marshal(o.DetokenizeText(ctx, sessionID, s)); err == nil {
						sc["result"] = b
						if b2, err := json.Marshal(sc); err == nil {
							node["structured_content"] = b2
							changed = true
						}
					}
				}
			}
		}
	}
	if raw, ok := node["content"]; ok {
		var blocks []TextBlock
		if err := json.Unmarshal(raw, &blocks); err == nil {
			blockChanged := false
			for i := range blocks {
				if blocks[i].Type != "text" {
					continue
				}
				out := o.DetokenizeText(ctx, sessionID, blocks[i].Text)
				if out != blocks[i].Text {
					blocks[i].Text = out
					blockChanged = true
				}
			}
			if blockChanged {
				if b, err := json.Marshal(blocks); err == nil {
					node["content"] = b
					changed = true
				}
			}
		}
	}

	if !changed {
		return payload
	}
	if b, err := json.Marshal(node); err == nil {
		return b
	}
	return payload
}

func isTextBlock(node map[string]json.RawMessage) bool {
	raw, ok := node["type"]
	if !ok {
		return false
	}
	var t string
	if err := json.Unmarshal(raw, &t); err != nil {
		return false
	}
	if t != "text" {
		return false
	}
	_, hasText := node["text"]
	return hasText
}

// ContainsToken reports whether text carries at least one token.
func ContainsToken(text string) bool {
	return strings.Contains(text, TokenPrefix) && tokenPattern.MatchString(text)
}
