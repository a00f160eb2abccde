package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/config"
	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/database"
)

// 资产树一致性巡检：核对物化路径不变量与配置悬挂情况。
// 只读，不修数据；发现异常逐条打印，供运维定位。
func main() {
	cfg := config.Load()

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	banner("1. 根资产 path/level 检查（path 应为 /asset_id，level 应为 0）")
	query1 := `
		SELECT asset_id, tenant_id, asset_name, path, level
		FROM assets
		WHERE parent_id IS NULL
		  AND (path <> '/' || asset_id::text OR level <> 0)
		ORDER BY tenant_id, asset_name;
	`
	rows1, err := db.Query(query1)
	if err != nil {
		log.Fatalf("Failed to query root assets: %v", err)
	}
	defer rows1.Close()

	fmt.Printf("%-40s %-40s %-30s %-60s %-6s\n", "asset_id", "tenant_id", "asset_name", "path", "level")
	fmt.Println(strings.Repeat("-", 80))

	badRoots := 0
	for rows1.Next() {
		var assetID, tenantID, assetName, path string
		var level int
		if err := rows1.Scan(&assetID, &tenantID, &assetName, &path, &level); err != nil {
			log.Printf("Failed to scan row: %v", err)
			continue
		}
		fmt.Printf("%-40s %-40s %-30s %-60s %-6d\n", assetID, tenantID, assetName, path, level)
		badRoots++
	}
	printSectionResult(badRoots, "根资产路径异常")

	banner("2. 子资产 path/level 一致性（path = 父.path || '/' || asset_id，level = 父.level + 1）")
	query2 := `
		SELECT c.asset_id, c.asset_name, c.path, c.level, p.path AS parent_path, p.level AS parent_level
		FROM assets c
		JOIN assets p ON c.parent_id = p.asset_id
		WHERE c.path <> p.path || '/' || c.asset_id::text
		   OR c.level <> p.level + 1
		ORDER BY c.tenant_id, c.level, c.asset_name;
	`
	rows2, err := db.Query(query2)
	if err != nil {
		log.Fatalf("Failed to query child assets: %v", err)
	}
	defer rows2.Close()

	fmt.Printf("%-40s %-30s %-50s %-6s %-50s %-6s\n", "asset_id", "asset_name", "path", "level", "parent_path", "p_lvl")
	fmt.Println(strings.Repeat("-", 80))

	badChildren := 0
	for rows2.Next() {
		var assetID, assetName, path, parentPath string
		var level, parentLevel int
		if err := rows2.Scan(&assetID, &assetName, &path, &level, &parentPath, &parentLevel); err != nil {
			log.Printf("Failed to scan row: %v", err)
			continue
		}
		fmt.Printf("%-40s %-30s %-50s %-6d %-50s %-6d\n", assetID, assetName, path, level, parentPath, parentLevel)
		badChildren++
	}
	printSectionResult(badChildren, "子资产路径异常")

	banner("3. 跨租户父子（子资产与父资产 tenant_id 不一致）")
	query3 := `
		SELECT c.asset_id, c.tenant_id, p.asset_id AS parent_id, p.tenant_id AS parent_tenant
		FROM assets c
		JOIN assets p ON c.parent_id = p.asset_id
		WHERE c.tenant_id <> p.tenant_id;
	`
	rows3, err := db.Query(query3)
	if err != nil {
		log.Fatalf("Failed to query cross-tenant links: %v", err)
	}
	defer rows3.Close()

	fmt.Printf("%-40s %-40s %-40s %-40s\n", "asset_id", "tenant_id", "parent_id", "parent_tenant")
	fmt.Println(strings.Repeat("-", 80))

	crossTenant := 0
	for rows3.Next() {
		var assetID, tenantID, parentID, parentTenant string
		if err := rows3.Scan(&assetID, &tenantID, &parentID, &parentTenant); err != nil {
			log.Printf("Failed to scan row: %v", err)
			continue
		}
		fmt.Printf("%-40s %-40s %-40s %-40s\n", assetID, tenantID, parentID, parentTenant)
		crossTenant++
	}
	printSectionResult(crossTenant, "跨租户父子关系")

	banner("4. 兄弟重名（唯一索引应拦截，列出存量违规）")
	query4 := `
		SELECT tenant_id, COALESCE(parent_id::text, '<root>') AS parent, asset_name, COUNT(*) AS n
		FROM assets
		GROUP BY tenant_id, parent_id, asset_name
		HAVING COUNT(*) > 1
		ORDER BY tenant_id, parent, asset_name;
	`
	rows4, err := db.Query(query4)
	if err != nil {
		log.Fatalf("Failed to query sibling names: %v", err)
	}
	defer rows4.Close()

	fmt.Printf("%-40s %-40s %-30s %-6s\n", "tenant_id", "parent", "asset_name", "count")
	fmt.Println(strings.Repeat("-", 80))

	dupSiblings := 0
	for rows4.Next() {
		var tenantID, parent, assetName string
		var n int
		if err := rows4.Scan(&tenantID, &parent, &assetName, &n); err != nil {
			log.Printf("Failed to scan row: %v", err)
			continue
		}
		fmt.Printf("%-40s %-40s %-30s %-6d\n", tenantID, parent, assetName, n)
		dupSiblings++
	}
	printSectionResult(dupSiblings, "兄弟重名组")

	banner("5. 悬挂聚合配置（配置的指标没有任何映射向该资产供数）")
	query5 := `
		SELECT c.config_id, c.tenant_id, c.asset_id, c.metric_name
		FROM asset_rollup_configs c
		LEFT JOIN data_point_mappings m
		  ON m.tenant_id = c.tenant_id AND m.asset_id = c.asset_id AND m.metric_name = c.metric_name AND m.enabled = true
		WHERE c.enabled = true
		  AND m.mapping_id IS NULL
		ORDER BY c.tenant_id, c.asset_id;
	`
	rows5, err := db.Query(query5)
	if err != nil {
		log.Fatalf("Failed to query dangling rollup configs: %v", err)
	}
	defer rows5.Close()

	fmt.Printf("%-40s %-40s %-40s %-20s\n", "config_id", "tenant_id", "asset_id", "metric_name")
	fmt.Println(strings.Repeat("-", 80))

	dangling := 0
	for rows5.Next() {
		var configID, tenantID, assetID, metricName string
		if err := rows5.Scan(&configID, &tenantID, &assetID, &metricName); err != nil {
			log.Printf("Failed to scan row: %v", err)
			continue
		}
		fmt.Printf("%-40s %-40s %-40s %-20s\n", configID, tenantID, assetID, metricName)
		dangling++
	}
	// 注意：include_children 的父级配置本级可以没有映射，这里只是提示不是错误
	if dangling == 0 {
		fmt.Println("✅ 启用的聚合配置都有映射供数")
	} else {
		fmt.Printf("⚠️  %d 条启用配置没有映射供数（父级纯上卷配置属正常）\n", dangling)
	}

	banner("6. 孤儿审计记录（资产已删除，审计保留属预期，仅计数）")
	var orphanAudit int
	err = db.QueryRow(`
		SELECT COUNT(*)
		FROM asset_audit_log l
		LEFT JOIN assets a ON l.asset_id = a.asset_id
		WHERE a.asset_id IS NULL;
	`).Scan(&orphanAudit)
	if err != nil {
		log.Fatalf("Failed to count orphan audit entries: %v", err)
	}
	fmt.Printf("共 %d 条审计记录指向已删除资产\n", orphanAudit)

	total := badRoots + badChildren + crossTenant + dupSiblings
	fmt.Println("\n" + strings.Repeat("=", 80))
	if total == 0 {
		fmt.Println("✅ 资产树不变量全部通过")
	} else {
		fmt.Printf("⚠️  共发现 %d 处资产树不变量违规，需人工修复\n", total)
	}
}

func banner(title string) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", 80))
}

func printSectionResult(n int, label string) {
	if n == 0 {
		fmt.Printf("✅ 未发现%s\n", label)
	} else {
		fmt.Printf("⚠️  发现 %d 处%s\n", n, label)
	}
}
