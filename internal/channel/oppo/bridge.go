package oppo

import (
	"strings"

	"github.com/tidwall/gjson"

	"qrbridge/internal/channel"
	"qrbridge/internal/weblogin"
)

const finishPrefix = "vip.onFinish:"

// bridgeScript 在页面脚本执行前注入，模拟客户端的 JS 桥；登录页完成后会调用 vip.onFinish，
// 这里把结果转成控制台消息交给登录状态机。
const bridgeScript = `(function () {
  if (window.__qrbridgeOppo) { return; }
  window.__qrbridgeOppo = true;
  var report = function (data) {
    try {
      if (typeof data !== "string") { data = JSON.stringify(data); }
    } catch (e) { data = String(data); }
    console.log("` + finishPrefix + `" + data);
  };
  window.vip = window.vip || {};
  window.vip.onFinish = report;
  window.HeytapJsApi = window.HeytapJsApi || {
    invoke: function (method, args, cb) {
      if (method === "vip.onFinish" || method === "onFinish") { report(args); }
      if (typeof cb === "function") { cb(JSON.stringify({code: 0})); }
    },
    getDeviceInfo: function () { return JSON.stringify({platform: "android"}); }
  };
})();`

type finishResult struct {
	Token    string
	SSOID    string
	Nickname string
}

// parseFinish 解析 vip.onFinish 回传的 JSON；token 与 ssoid 缺一不可。
func parseFinish(text string) (finishResult, error) {
	if !strings.HasPrefix(text, finishPrefix) {
		return finishResult{}, channel.Errorf(channel.ErrProtocolShape, "不是 vip.onFinish 消息")
	}
	f, err := channel.ParseFields([]byte(strings.TrimPrefix(text, finishPrefix)))
	if err != nil {
		return finishResult{}, err
	}
	var out finishResult
	if out.Token, err = f.RequireString("token"); err != nil {
		return finishResult{}, err
	}
	if out.SSOID, err = f.RequireID("ssoid"); err != nil {
		return finishResult{}, err
	}
	out.Nickname = f.OptionalString("userName")
	return out, nil
}

func finishMatcher() weblogin.Matcher {
	return weblogin.MatchFuncs{Console: func(text string) weblogin.Verdict {
		if !strings.HasPrefix(text, finishPrefix) {
			return weblogin.Continue
		}
		body := strings.TrimPrefix(text, finishPrefix)
		if code := gjson.Get(body, "code"); code.Exists() && code.Int() != 0 {
			return weblogin.Fail
		}
		if _, err := parseFinish(text); err != nil {
			return weblogin.Continue
		}
		return weblogin.Succeed
	}}
}
