package aster

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

const defaultRecvWindow = 5000

// sign 对已编码的查询串计算 HMAC-SHA256 十六进制签名。
func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signParams 补充时间戳与接收窗口后签名，返回最终查询串。
// 签名覆盖签名字段之外的全部参数，顺序以 url.Values 编码为准。
func signParams(secret string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.Itoa(defaultRecvWindow))

	encoded := params.Encode()
	return encoded + "&signature=" + sign(secret, encoded)
}
