package scheduler

import (
	"strings"

	"outreach/internal/model"

	"golang.org/x/net/html"
)

// candidateInfo 提供模板替换所需的候选人字段。
func candidateInfo(m *model.CandidateMarketing) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	replyTo := strings.TrimSpace(m.ReplyToEmail)
	if replyTo == "" {
		replyTo = strings.TrimSpace(m.MarketingEmail)
	}
	return map[string]string{
		"name":     strings.TrimSpace(m.CandidateName),
		"email":    strings.TrimSpace(m.MarketingEmail),
		"reply_to": replyTo,
		"intro":    htmlToText(m.Intro),
		"linkedin": strings.TrimSpace(m.LinkedInURL),
	}
}

// htmlToText 去掉标签，块级元素与 <br> 转为换行。
func htmlToText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return collapseLines(b.String())
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skip++
			case "br", "p", "div", "li", "tr":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "p", "div", "li", "tr":
				b.WriteByte('\n')
			}
		}
	}
}

func collapseLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
