package migrations

import "embed"

// Files 内嵌本目录下的全部 SQL 迁移脚本，文件名前缀即版本号。
//
//go:embed *.sql
var Files embed.FS
