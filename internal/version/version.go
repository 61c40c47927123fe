package version

import "fmt"

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/invoicing/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, commit и дату сборки.
func Info() (v, c, d string) { return version, commit, date }

func GetVersion() string { return version }

func GetCommit() string { return commit }

func GetDate() string { return date }

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", version, commit, date)
}

// UserAgent используется для исходящих HTTP-запросов сервиса.
func UserAgent() string {
	return "invoicing/" + version
}
