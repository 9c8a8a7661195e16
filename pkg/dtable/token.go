package dtable

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessTokenTTL 签发的表格服务访问令牌有效期
const AccessTokenTTL = 5 * time.Minute

type accessClaims struct {
	DTableUUID string `json:"dtable_uuid"`
	Username   string `json:"username"`
	Permission string `json:"permission"`
	jwt.RegisteredClaims
}

// AccessToken 为一次规则执行签发短期 rw 令牌（HS256）
func AccessToken(privateKey, dtableUUID, username string) (string, error) {
	claims := accessClaims{
		DTableUUID: dtableUUID,
		Username:   username,
		Permission: "rw",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(timeNow().Add(AccessTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(privateKey))
}

// ParseAccessToken 校验并解出令牌载荷（测试与调试用）
func ParseAccessToken(privateKey, tokenString string) (dtableUUID, username, permission string, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &accessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(privateKey), nil
	})
	if err != nil {
		return "", "", "", err
	}
	claims := token.Claims.(*accessClaims)
	return claims.DTableUUID, claims.Username, claims.Permission, nil
}
