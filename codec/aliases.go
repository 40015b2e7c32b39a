package codec

// Aliases seen in real mail that the IANA index does not resolve, mapped
// to registered names. Keys are normalized labels.
var aliases = map[string]string{
	"ascii":           "us-ascii",
	"usascii":         "us-ascii",
	"ansi_x3.4-1968":  "us-ascii",
	"646":             "us-ascii",
	"utf8":            "utf-8",
	"unicode-1-1-utf-8": "utf-8",
	"latin1":          "iso-8859-1",
	"latin-1":         "iso-8859-1",
	"iso8859-1":       "iso-8859-1",
	"iso_8859-1":      "iso-8859-1",
	"8859-1":          "iso-8859-1",
	"latin2":          "iso-8859-2",
	"iso8859-2":       "iso-8859-2",
	"iso8859-15":      "iso-8859-15",
	"latin9":          "iso-8859-15",
	"win-1250":        "windows-1250",
	"cp1250":          "windows-1250",
	"win-1251":        "windows-1251",
	"cp1251":          "windows-1251",
	"win-1252":        "windows-1252",
	"cp1252":          "windows-1252",
	"ansi":            "windows-1252",
	"cp936":           "gbk",
	"ms936":           "gbk",
	"cp950":           "big5",
	"shift-jis":       "shift_jis",
	"sjis":            "shift_jis",
	"ks_c_5601-1987":  "euc-kr",
	"koi8r":           "koi8-r",
	"koi8u":           "koi8-u",
}
