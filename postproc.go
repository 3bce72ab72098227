package mapdl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ResponseTransformer turns a command's text response into a structured
// value.
type ResponseTransformer func(response string) (any, error)

// parseEntityNumber extracts the entity number the solver echoes back
// after a creation command, e.g. "KEYPOINT      5" or
// "LINE NO.=      3".
func parseEntityNumber(label string) ResponseTransformer {
	pattern := regexp.MustCompile(label + `[A-Z .]*=?\s*([0-9]+)`)
	return func(response string) (any, error) {
		m := pattern.FindStringSubmatch(response)
		if m == nil {
			return nil, fmt.Errorf("no %s number in response: %q", strings.ToLower(label), strings.TrimSpace(response))
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("parsing %s number: %w", strings.ToLower(label), err)
		}
		return n, nil
	}
}

// defaultTransformers covers the geometry and element commands whose
// responses carry the created entity's number.
func defaultTransformers() map[string]ResponseTransformer {
	line := parseEntityNumber("LINE")
	area := parseEntityNumber("AREA")
	keypoint := parseEntityNumber("KEYPOINT")
	return map[string]ResponseTransformer{
		"K":      keypoint,
		"KL":     keypoint,
		"L":      line,
		"LARC":   line,
		"BSPLIN": line,
		"A":      area,
		"AL":     area,
		"V":      parseEntityNumber("VOLUME"),
		"CYL4":   parseEntityNumber("VOLUME"),
		"N":      parseEntityNumber("NODE"),
		"E":      parseEntityNumber("ELEMENT"),
		"ET":     parseEntityNumber("ELEMENT TYPE"),
	}
}

// RegisterTransformer binds a transformer to a command's leading token,
// replacing any default for that token.
func (s *Session) RegisterTransformer(token string, fn ResponseTransformer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transformers[strings.ToUpper(token)] = fn
}

// RunParsed submits a command and applies the transformer registered for
// its leading token. Without a registered transformer the plain response
// text is returned.
func (s *Session) RunParsed(command string) (any, error) {
	response, err := s.Run(command)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	fn, ok := s.transformers[leadingToken(command)]
	s.mu.Unlock()
	if !ok {
		return response, nil
	}
	return fn(response)
}

// leadingToken isolates the command name in front of the first comma.
func leadingToken(command string) string {
	name, _, _ := strings.Cut(command, ",")
	return strings.ToUpper(strings.TrimSpace(name))
}
