package v1

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Placement names the cgroup a matched process is moved into, per
// controller hierarchy.
type Placement struct {
	Controllers []string
	Destination string
}

// Rule is one line of the rule table: an owner selector (user name,
// @group, or *), an optional process name, and one or more placements.
// Continuation lines ('%') add placements to the preceding rule.
type Rule struct {
	User       string
	Process    string
	Placements []Placement
}

// String renders the rule in its configuration-file form.
func (r Rule) String() string {
	owner := r.User
	if r.Process != "" {
		owner += ":" + r.Process
	}
	var b strings.Builder
	for i, p := range r.Placements {
		if i == 0 {
			fmt.Fprintf(&b, "%s %s %s", owner, strings.Join(p.Controllers, ","), p.Destination)
		} else {
			fmt.Fprintf(&b, "\n%% %s %s", strings.Join(p.Controllers, ","), p.Destination)
		}
	}
	return b.String()
}

// parseRules reads a cgrules.conf-style rule table:
//
//	<user>[:<process>] <controllers> <destination>
//	% <controllers> <destination>     (continuation of the previous rule)
//
// '#' starts a comment, controllers are comma-separated, '*' matches any
// user and '@name' selects a group.
func parseRules(r io.Reader) ([]Rule, error) {
	var rules []Rule

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "%") {
			if len(rules) == 0 {
				return nil, fmt.Errorf("line %d: continuation with no preceding rule", lineNo)
			}
			fields := strings.Fields(strings.TrimPrefix(line, "%"))
			if len(fields) != 2 {
				return nil, fmt.Errorf("line %d: continuation needs <controllers> <destination>", lineNo)
			}
			last := &rules[len(rules)-1]
			last.Placements = append(last.Placements, Placement{
				Controllers: splitControllers(fields[0]),
				Destination: fields[1],
			})
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: need <user>[:<process>] <controllers> <destination>", lineNo)
		}

		rule := Rule{User: fields[0]}
		if idx := strings.IndexByte(fields[0], ':'); idx >= 0 {
			rule.User = fields[0][:idx]
			rule.Process = fields[0][idx+1:]
		}
		if rule.User == "" {
			return nil, fmt.Errorf("line %d: empty user selector", lineNo)
		}
		rule.Placements = []Placement{{
			Controllers: splitControllers(fields[1]),
			Destination: fields[2],
		}}
		rules = append(rules, rule)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func splitControllers(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
