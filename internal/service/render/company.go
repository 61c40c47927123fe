package render

import "strings"

// Company — реквизиты продавца, которые печатаются в шапке и подвале счёта.
// Значения приходят из конфигурации и не интерпретируются.
type Company struct {
	Name    string
	RegCode string
	Address string
	City    string
	Phone   string
	Email   string
	Bank    string
	// LatePenalty — строка про пеню, например "0,15% päevas".
	LatePenalty string
	// VATNote печатается вместо строки налога, если продавец не плательщик НДС.
	VATNote string
}

// FileName возвращает имя файла счёта: "<Company-Name>-Arve-<n>.pdf".
func (c Company) FileName(number int64) string {
	name := strings.Join(strings.Fields(c.Name), "-")
	if name == "" {
		name = "Invoice"
	}
	return name + "-Arve-" + itoa(number) + ".pdf"
}
