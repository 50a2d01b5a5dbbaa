package bypass

import (
	"strings"
)

// Page is the rendered state of a browser tab.
type Page struct {
	URL  string
	HTML string
}

// Detector examines a rendered page to determine whether the site served a
// block, captcha or rate-limit page instead of content.
type Detector func(p Page) (detected bool, source string)

// Result is the outcome of Analyze.
type Result struct {
	Detected bool
	Source   string
}

// DefaultDetectors returns the standard list of block page detectors.
func DefaultDetectors() []Detector {
	return []Detector{
		detectNaverCaptcha,
		detectNaverAbuse,
		detectCloudflare,
		detectAkamai,
	}
}

// Analyze runs the page through detectors in order and reports the first hit.
func Analyze(p Page, detectors []Detector) Result {
	for _, d := range detectors {
		if detected, source := d(p); detected {
			return Result{Detected: true, Source: source}
		}
	}
	return Result{}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// detectNaverCaptcha recognises the receipt/image captcha interstitial.
func detectNaverCaptcha(p Page) (bool, string) {
	if strings.Contains(p.URL, "/captcha") || strings.Contains(p.URL, "nid.naver.com/login") {
		return true, "NaverCaptcha"
	}
	if containsAny(p.HTML, "WtmCaptcha", "captcha_wrap", "자동입력 방지", "보안 확인을 완료해 주세요") {
		return true, "NaverCaptcha"
	}
	return false, ""
}

// detectNaverAbuse recognises the "unusual traffic" and temporary-restriction pages.
func detectNaverAbuse(p Page) (bool, string) {
	if containsAny(p.HTML,
		"비정상적인 접근",
		"일시적으로 제한",
		"서비스 이용이 제한",
		"과도한 요청",
	) {
		return true, "NaverAbuse"
	}
	return false, ""
}

// detectCloudflare looks for Cloudflare challenge signatures.
func detectCloudflare(p Page) (bool, string) {
	if containsAny(p.HTML,
		"cf-browser-verification",
		"cf-turnstile",
		"Attention Required! | Cloudflare",
		"challenges.cloudflare.com",
	) {
		return true, "Cloudflare"
	}
	return false, ""
}

// detectAkamai looks for the generic Akamai "Reference #" denial page.
func detectAkamai(p Page) (bool, string) {
	if strings.Contains(p.HTML, "Reference #") && strings.Contains(p.HTML, "Access Denied") {
		return true, "Akamai"
	}
	return false, ""
}
