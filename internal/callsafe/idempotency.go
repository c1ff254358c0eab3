package callsafe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// IdempotencyField is the argument injected into mutating tool calls
// when the caller did not supply one.
const IdempotencyField = "idempotency_key"

// Verbs that mark a tool as mutating when they appear as a name segment.
var mutatingVerbs = map[string]bool{
	"create": true, "update": true, "delete": true, "remove": true,
	"add": true, "set": true, "send": true, "post": true, "put": true,
	"patch": true, "submit": true, "transfer": true, "pay": true,
	"charge": true, "insert": true, "write": true, "upload": true,
	"publish": true, "execute": true, "cancel": true, "approve": true,
	"move": true, "rename": true, "purge": true, "restore": true,
	"deploy": true, "start": true, "stop": true,
}

// CallKey hashes the namespaced tool id and its canonicalized arguments
// into a stable identity for de-duplication and safety tracking. It is
// computed over the arguments as the caller supplied them, before any
// idempotency injection, so retries of one logical call share a key.
func CallKey(toolID string, args map[string]any) (string, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("CallKey: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(toolID))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// MutatingTool reports whether any segment of the tool name is a
// mutating verb. Names split on separators and on camelCase boundaries,
// so create_invoice and createInvoice both count.
func MutatingTool(name string) bool {
	for _, seg := range nameSegments(name) {
		if mutatingVerbs[seg] {
			return true
		}
	}
	return false
}

func nameSegments(name string) []string {
	var b strings.Builder
	var prev rune
	for _, r := range name {
		if unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)) {
			b.WriteByte('_')
		}
		b.WriteRune(unicode.ToLower(r))
		prev = r
	}
	return strings.FieldsFunc(b.String(), func(r rune) bool {
		return (r < 'a' || r > 'z') && (r < '0' || r > '9')
	})
}

// IdempotencyValue derives the injected value from the call key, so two
// logically identical calls always carry the same token and a
// well-behaved remote service can collapse them.
func IdempotencyValue(callKey string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("bulwark:"+callKey)).String()
}

// InjectIdempotency returns the arguments to dispatch for toolName. For
// mutating tools without a caller-supplied idempotency field it returns
// a copy carrying the derived value; otherwise it returns args as-is.
func InjectIdempotency(toolName, callKey string, args map[string]any) map[string]any {
	if !MutatingTool(toolName) {
		return args
	}
	if v, ok := args[IdempotencyField]; ok {
		if s, isString := v.(string); !isString || s != "" {
			return args
		}
	}
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}
	out[IdempotencyField] = IdempotencyValue(callKey)
	return out
}
