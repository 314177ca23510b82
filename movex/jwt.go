package movex

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// client session identity carried by the connection token.
// the token is parsed unverified for identity only.
// authorization decisions are out of scope.
type ClientToken struct {
	ClientId   Id
	AppVersion string
}

func MintClientToken(clientId Id, signingKey []byte) (string, error) {
	claims := gojwt.MapClaims{
		"client_id": clientId.String(),
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(signingKey)
}

func ParseClientTokenUnverified(tokenStr string) (*ClientToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(tokenStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	clientToken := &ClientToken{}

	clientIdAny, ok := claims["client_id"]
	if !ok {
		return nil, fmt.Errorf("client token missing client_id")
	}
	clientIdStr, ok := clientIdAny.(string)
	if !ok {
		return nil, fmt.Errorf("client token bad client_id")
	}
	clientId, err := ParseId(clientIdStr)
	if err != nil {
		return nil, err
	}
	clientToken.ClientId = clientId

	if appVersion, ok := claims["app_version"]; ok {
		if appVersionStr, ok := appVersion.(string); ok {
			clientToken.AppVersion = appVersionStr
		}
	}

	return clientToken, nil
}
