// Package fieldcrypt реализует шифрование отдельных строковых полей при хранении,
// одностороннее хеширование и маскирование идентификаторов для отображения.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Параметры scrypt совпадают с параметрами по умолчанию, с которыми
// были зашифрованы уже сохранённые данные.
const (
	scryptN = 16384
	scryptR = 8
	scryptP = 1

	keySize  = 32
	hashSize = 64
	ivSize   = 16
	tagSize  = 16

	keySalt   = "salt"
	delimiter = ":"
	maskChar  = "*"
)

var (
	// ErrConfiguration возвращается, если секрет шифрования не задан.
	ErrConfiguration = errors.New("encryption secret is not configured")
	// ErrFormat возвращается для токена, не соответствующего формату iv:tag:ciphertext.
	ErrFormat = errors.New("invalid encrypted data format")
	// ErrAuthentication возвращается, если тег аутентификации не прошёл проверку.
	ErrAuthentication = errors.New("encrypted data authentication failed")
)

// DeriveKey получает 32-байтовый ключ из секрета оператора с помощью scrypt.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrConfiguration
	}

	key, err := scrypt.Key([]byte(secret), []byte(keySalt), scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// HashValue возвращает необратимый hex-хеш значения. Используется там, где
// нужно сравнение на равенство без возможности восстановить исходник.
func HashValue(value, secret string) (string, error) {
	if secret == "" {
		return "", ErrConfiguration
	}

	sum, err := scrypt.Key([]byte(value), []byte(secret), scryptN, scryptR, scryptP, hashSize)
	if err != nil {
		return "", fmt.Errorf("hash value: %w", err)
	}
	return hex.EncodeToString(sum), nil
}

// MaskIdentifier скрывает середину идентификатора, оставляя по два символа с краёв.
func MaskIdentifier(value string) string {
	r := []rune(value)
	if len(r) <= 4 {
		return value
	}
	return string(r[:2]) + strings.Repeat(maskChar, len(r)-4) + string(r[len(r)-2:])
}

// Cipher шифрует и расшифровывает поля ключом, полученным при создании.
// Не хранит изменяемого состояния и безопасен для конкурентного использования.
type Cipher struct {
	aead   cipher.AEAD
	secret string
}

// NewCipher создаёт Cipher из секрета оператора.
func NewCipher(secret string) (*Cipher, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}

	c, err := newCipherWithKey(key)
	if err != nil {
		return nil, err
	}
	c.secret = secret
	return c, nil
}

func newCipherWithKey(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create aes cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// EncryptField шифрует строку ключом key. Удобная обёртка для разовых вызовов.
func EncryptField(plaintext string, key []byte) (string, error) {
	c, err := newCipherWithKey(key)
	if err != nil {
		return "", err
	}
	return c.Encrypt(plaintext)
}

// DecryptField расшифровывает токен ключом key.
func DecryptField(token string, key []byte) (string, error) {
	c, err := newCipherWithKey(key)
	if err != nil {
		return "", err
	}
	return c.Decrypt(token)
}

// Encrypt шифрует plaintext с новым случайным IV и возвращает токен iv:tag:ciphertext в hex.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + delimiter + hex.EncodeToString(tag) + delimiter + hex.EncodeToString(ct), nil
}

// Decrypt разбирает токен и проверяет тег аутентификации.
func (c *Cipher) Decrypt(token string) (string, error) {
	parts := strings.Split(token, delimiter)
	if len(parts) != 3 {
		return "", ErrFormat
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", ErrFormat
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return "", ErrFormat
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrFormat
	}

	plaintext, err := c.aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrAuthentication
	}
	return string(plaintext), nil
}

// Hash хеширует значение секретом, из которого построен Cipher.
func (c *Cipher) Hash(value string) (string, error) {
	return HashValue(value, c.secret)
}

// FieldResult описывает результат расшифровки одного поля в пакетной операции.
type FieldResult struct {
	Field string
	Err   error
}

// EncryptFields возвращает поверхностную копию obj, в которой перечисленные
// непустые строковые поля зашифрованы. Остальные поля не изменяются.
func (c *Cipher) EncryptFields(obj map[string]any, fields []string) (map[string]any, error) {
	out := copyMap(obj)

	for _, f := range fields {
		s, ok := out[f].(string)
		if !ok || s == "" {
			continue
		}
		enc, err := c.Encrypt(s)
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", f, err)
		}
		out[f] = enc
	}

	return out, nil
}

// DecryptFields возвращает поверхностную копию obj с расшифрованными полями.
// Ошибка в одном поле не прерывает обработку: поле остаётся в исходном виде,
// а ошибка попадает в результаты.
func (c *Cipher) DecryptFields(obj map[string]any, fields []string) (map[string]any, []FieldResult) {
	out := copyMap(obj)
	results := make([]FieldResult, 0, len(fields))

	for _, f := range fields {
		s, ok := out[f].(string)
		if !ok || s == "" {
			continue
		}
		dec, err := c.Decrypt(s)
		if err != nil {
			results = append(results, FieldResult{Field: f, Err: err})
			continue
		}
		out[f] = dec
		results = append(results, FieldResult{Field: f})
	}

	return out, results
}

// FailedFields возвращает имена полей, которые не удалось обработать.
func FailedFields(results []FieldResult) []string {
	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Field)
		}
	}
	return failed
}

func copyMap(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		out[k] = v
	}
	return out
}
