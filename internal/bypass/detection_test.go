package bypass

import (
	"testing"
)

func TestDetectNaverCaptcha(t *testing.T) {
	if detected, _ := detectNaverCaptcha(Page{URL: "https://m.place.naver.com/place/list", HTML: "<ul><li>ok</li></ul>"}); detected {
		t.Errorf("expected not detected")
	}

	p := Page{URL: "https://m.place.naver.com/place/list", HTML: `<div class="captcha_wrap">자동입력 방지</div>`}
	if detected, src := detectNaverCaptcha(p); !detected || src != "NaverCaptcha" {
		t.Errorf("expected captcha detection by body")
	}

	p = Page{URL: "https://ncpt.naver.com/captcha?x=1"}
	if detected, src := detectNaverCaptcha(p); !detected || src != "NaverCaptcha" {
		t.Errorf("expected captcha detection by url")
	}
}

func TestDetectNaverAbuse(t *testing.T) {
	p := Page{HTML: "<p>비정상적인 접근이 감지되었습니다</p>"}
	if detected, src := detectNaverAbuse(p); !detected || src != "NaverAbuse" {
		t.Errorf("expected abuse detection")
	}
}

func TestDetectCloudflare(t *testing.T) {
	p := Page{HTML: "<html>... cf-turnstile ...</html>"}
	if detected, src := detectCloudflare(p); !detected || src != "Cloudflare" {
		t.Errorf("expected Cloudflare detection by body")
	}
}

func TestDetectAkamai(t *testing.T) {
	p := Page{HTML: "Access Denied... Reference #123.456"}
	if detected, src := detectAkamai(p); !detected || src != "Akamai" {
		t.Errorf("expected Akamai detection by body")
	}
	if detected, _ := detectAkamai(Page{HTML: "Reference # only"}); detected {
		t.Errorf("expected both markers to be required")
	}
}

func TestAnalyze(t *testing.T) {
	detectors := DefaultDetectors()

	res := Analyze(Page{HTML: "일시적으로 제한된 요청입니다"}, detectors)
	if !res.Detected || res.Source != "NaverAbuse" {
		t.Errorf("expected NaverAbuse, got %+v", res)
	}

	safe := Analyze(Page{HTML: `<div class="YluNG"><ul><li class="VLTHu">카페</li></ul></div>`}, detectors)
	if safe.Detected || safe.Source != "" {
		t.Errorf("expected clean page, got %+v", safe)
	}
}
