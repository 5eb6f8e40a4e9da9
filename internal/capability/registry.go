// Package capability declares the fixed catalog of data operations the query
// agent may invoke. The catalog is static at process start; capabilities are
// never added or removed at runtime.
package capability

import (
	"encoding/json"
	"strings"
)

// Kind groups capabilities by execution family.
type Kind string

const (
	// KindRetrieval capabilities call the records backend over HTTP.
	KindRetrieval Kind = "retrieval"
	// KindTransform capabilities operate on already-retrieved in-memory data.
	KindTransform Kind = "transform"
	// KindWeb capabilities perform external web lookups.
	KindWeb Kind = "web"
	// KindSQL capabilities go through the SQL guard (and are then rejected by policy).
	KindSQL Kind = "sql"
	// KindLocal capabilities answer from fixed local metadata.
	KindLocal Kind = "local"
)

// Descriptor describes one capability: its name, what it does, and the JSON
// schema of its arguments. Descriptors are advertised to the reasoning layer
// and used to route execution.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Kind        Kind            `json:"kind"`
	InputSchema json.RawMessage `json:"input_schema"`
}

const (
	GetFacturas        = "get_facturas"
	GetVentas          = "get_ventas"
	GetDashboard       = "get_dashboard"
	GetHistorico       = "get_historico"
	FilterData         = "filter_data"
	AggregateData      = "aggregate_data"
	WebSearch          = "web_search"
	SearchExchangeRate = "search_exchange_rate"
	VerifyCompanyInfo  = "verify_company_info"
	ExecuteSQLSafe     = "execute_sql_safe"
	ListTables         = "list_available_tables"
	GetTableSchema     = "get_table_schema"
)

var catalog = []Descriptor{
	{
		Name: GetFacturas,
		Description: "Obtiene facturas entre dos fechas (YYYY-MM-DD) con filtros opcionales: " +
			"proveedor (búsqueda parcial), pais_origen, importe_min/importe_max en EUR, categoria, moneda y limit.",
		Kind: KindRetrieval,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"desde": {"type": "string", "description": "Fecha inicio YYYY-MM-DD"},
				"hasta": {"type": "string", "description": "Fecha fin YYYY-MM-DD"},
				"proveedor": {"type": "string", "description": "Filtro por proveedor (parcial), ej: Meta"},
				"pais_origen": {"type": "string", "description": "País de origen, ej: ES"},
				"importe_min": {"type": "number", "description": "Importe mínimo en EUR"},
				"importe_max": {"type": "number", "description": "Importe máximo en EUR"},
				"categoria": {"type": "string", "description": "Categoría, ej: Marketing"},
				"moneda": {"type": "string", "description": "Moneda, ej: EUR"},
				"limit": {"type": "integer", "description": "Límite de resultados (máx 1000)"}
			},
			"required": ["desde", "hasta"]
		}`),
	},
	{
		Name:        GetVentas,
		Description: "Obtiene ventas entre dos fechas (YYYY-MM-DD).",
		Kind:        KindRetrieval,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"desde": {"type": "string", "description": "Fecha inicio YYYY-MM-DD"},
				"hasta": {"type": "string", "description": "Fecha fin YYYY-MM-DD"}
			},
			"required": ["desde", "hasta"]
		}`),
	},
	{
		Name:        GetDashboard,
		Description: "Obtiene el resumen financiero de los últimos 6 meses (ventas, gastos, facturas).",
		Kind:        KindRetrieval,
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        GetHistorico,
		Description: "Obtiene el histórico de operaciones recientes (facturas e ingresos).",
		Kind:        KindRetrieval,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"limit": {"type": "integer", "description": "Número máximo de operaciones (default 10)"}
			}
		}`),
	},
	{
		Name: FilterData,
		Description: "Filtra una lista de registros ya obtenidos por campo y valor. " +
			"Para strings la comparación es parcial y sin distinguir mayúsculas.",
		Kind: KindTransform,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"data": {"type": "array", "description": "Registros a filtrar"},
				"campo": {"type": "string", "description": "Campo por el que filtrar"},
				"valor": {"description": "Valor a buscar"}
			},
			"required": ["data", "campo", "valor"]
		}`),
	},
	{
		Name:        AggregateData,
		Description: "Agrega datos numéricos de una lista de registros: sum, count o avg sobre un campo.",
		Kind:        KindTransform,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"data": {"type": "array", "description": "Registros a agregar"},
				"operation": {"type": "string", "enum": ["sum", "count", "avg"]},
				"field": {"type": "string", "description": "Campo numérico"}
			},
			"required": ["data", "operation", "field"]
		}`),
	},
	{
		Name: WebSearch,
		Description: "Busca información en internet. Útil para verificar datos de proveedores " +
			"o buscar contexto sobre facturas.",
		Kind: KindWeb,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Términos de búsqueda"},
				"max_results": {"type": "integer", "description": "Máximo de resultados (1-10)"}
			},
			"required": ["query"]
		}`),
	},
	{
		Name:        SearchExchangeRate,
		Description: "Busca el tipo de cambio entre dos monedas, opcionalmente en una fecha concreta.",
		Kind:        KindWeb,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"currency_from": {"type": "string", "description": "Moneda origen, ej: USD"},
				"currency_to": {"type": "string", "description": "Moneda destino, ej: EUR"},
				"date": {"type": "string", "description": "Fecha YYYY-MM-DD (opcional)"}
			},
			"required": ["currency_from", "currency_to"]
		}`),
	},
	{
		Name:        VerifyCompanyInfo,
		Description: "Verifica información pública de una empresa: NIF/VAT, dirección, sitio web.",
		Kind:        KindWeb,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"company_name": {"type": "string", "description": "Nombre de la empresa"},
				"country": {"type": "string", "description": "País para refinar la búsqueda (opcional)"}
			},
			"required": ["company_name"]
		}`),
	},
	{
		Name:        ExecuteSQLSafe,
		Description: "Ejecuta una consulta SQL de solo lectura con validación automática.",
		Kind:        KindSQL,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Consulta SQL (solo SELECT)"}
			},
			"required": ["query"]
		}`),
	},
	{
		Name:        ListTables,
		Description: "Lista las tablas de datos disponibles para consulta.",
		Kind:        KindLocal,
		InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
	},
	{
		Name:        GetTableSchema,
		Description: "Obtiene las columnas y tipos de una tabla concreta.",
		Kind:        KindLocal,
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"table_name": {"type": "string", "description": "Nombre de la tabla"}
			},
			"required": ["table_name"]
		}`),
	},
}

var byName = func() map[string]Descriptor {
	m := make(map[string]Descriptor, len(catalog))
	for _, d := range catalog {
		m[d.Name] = d
	}
	return m
}()

// List returns the full catalog in declaration order. The returned slice is a
// copy; callers may not mutate the catalog.
func List() []Descriptor {
	out := make([]Descriptor, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the descriptor for name. An unknown name is a programming
// error on the caller's side, reported through ok=false.
func Lookup(name string) (Descriptor, bool) {
	d, ok := byName[strings.TrimSpace(name)]
	return d, ok
}
