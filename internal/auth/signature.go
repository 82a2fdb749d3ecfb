package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Sign computes the control-plane request signature: HMAC-SHA256 over
// method, path, and the sorted '&'-joined parameter set, auth_signature
// excluded. Changing any parameter value after signing invalidates it.
func Sign(secret, method, path string, params map[string][]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "auth_signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		v := ""
		if len(params[k]) > 0 {
			v = params[k][0]
		}
		pairs = append(pairs, k+"="+v)
	}

	canonical := strings.ToUpper(method) + "\n" + path + "\n" + strings.Join(pairs, "&")
	return hexHMAC(secret, canonical)
}

// VerifySignature checks a request signature in constant time.
func VerifySignature(secret, method, path string, params map[string][]string, signature string) bool {
	expected := Sign(secret, method, path, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignChannel computes the channel authorization signature a client must
// present to subscribe to a private or presence channel: HMAC-SHA256 over
// "socket_id:channel" with the presence channel_data appended when present.
func SignChannel(secret, socketID, channel, channelData string) string {
	payload := socketID + ":" + channel
	if channelData != "" {
		payload += ":" + channelData
	}
	return hexHMAC(secret, payload)
}

// VerifyChannelAuth checks a client's "app_key:signature" authorization
// string for a channel subscription in constant time.
func VerifyChannelAuth(appKey, secret, clientAuth, socketID, channel, channelData string) bool {
	want := appKey + ":" + SignChannel(secret, socketID, channel, channelData)
	return hmac.Equal([]byte(want), []byte(clientAuth))
}

func hexHMAC(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
