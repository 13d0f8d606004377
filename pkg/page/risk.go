package page

import (
	"regexp"
	"strings"

	"github.com/entrhq/pagepilot/pkg/automation"
	"github.com/entrhq/pagepilot/pkg/dom"
)

// Confirmation prompts shown to the operator.
const (
	msgNavigation     = "该操作可能打开新窗口/跳转页面，是否继续？"
	msgDownload       = "该操作可能触发下载/导出，是否继续？"
	msgFormSubmit     = "该操作可能提交表单/保存变更，是否继续？"
	msgDataChange     = "该操作可能产生数据变更（提交/保存/删除），是否继续？"
	msgSensitiveInput = "检测到疑似敏感输入框（密码/验证码等），不建议自动输入。是否仍要继续？"
)

var (
	submitKeywords   = []string{"提交", "保存", "删除", "确认", "确定", "提交审核", "save", "submit", "delete", "confirm", "ok"}
	downloadKeywords = []string{"下载", "导出", "export", "download"}
	fileHref         = regexp.MustCompile(`\.(csv|xls|xlsx|pdf|zip)(\?|#|$)`)
)

// risk is the outcome of a pre-mutation check.
type risk struct {
	reason  automation.ConfirmationReason
	message string
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// assessClick classifies a click by its likely side effect. Checks run in
// order: navigation, download, submit. These are heuristics over the
// element's markup and text, not a security boundary.
func assessClick(el *dom.Element) *risk {
	tag := el.Tag()

	if tag == "a" {
		target := strings.ToLower(el.GetAttribute("target"))
		href := strings.TrimSpace(el.GetAttribute("href"))
		if target == "_blank" || strings.HasPrefix(href, "http") {
			return &risk{automation.ReasonNavigation, msgNavigation}
		}
	}

	text := strings.ToLower(strings.TrimSpace(el.InnerText()))

	if tag == "a" {
		href := strings.ToLower(el.GetAttribute("href"))
		if el.HasAttribute("download") || strings.HasPrefix(href, "blob:") || fileHref.MatchString(href) {
			return &risk{automation.ReasonDownload, msgDownload}
		}
	}
	if containsAny(text, downloadKeywords) {
		return &risk{automation.ReasonDownload, msgDownload}
	}

	if tag == "button" && strings.EqualFold(el.GetAttribute("type"), "submit") {
		return &risk{automation.ReasonSubmit, msgFormSubmit}
	}
	if tag == "input" && el.InputType() == "submit" {
		return &risk{automation.ReasonSubmit, msgFormSubmit}
	}
	if containsAny(text, submitKeywords) {
		if el.Closest("form") != nil {
			return &risk{automation.ReasonSubmit, msgFormSubmit}
		}
		return &risk{automation.ReasonSubmit, msgDataChange}
	}
	return nil
}

// looksSensitive flags password and one-time-code fields.
func looksSensitive(el *dom.Element) bool {
	if el.Tag() == "input" && el.InputType() == "password" {
		return true
	}
	autocomplete := strings.ToLower(el.GetAttribute("autocomplete"))
	name := strings.ToLower(el.GetAttribute("name"))
	placeholder := strings.ToLower(el.GetAttribute("placeholder"))
	return containsAny(autocomplete, []string{"one-time-code", "current-password", "new-password"}) ||
		containsAny(name, []string{"password", "otp", "verify"}) ||
		containsAny(placeholder, []string{"密码", "验证码", "otp"})
}
