// Package main Storefront Server API
//
//	@title						Storefront Server API
//	@version					1.0
//	@description				Order, subscription and payment reconciliation API.
//
//	@contact.name				Storefront Support
//	@contact.email				support@storefront.example
//
//	@license.name				Proprietary
//
//	@host						localhost:8080
//	@BasePath					/api/v1
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				Bearer token authentication. Format: "Bearer {token}"
//
//	@tag.name					Order
//	@tag.description			Checkout and order management
//
//	@tag.name					Subscription
//	@tag.description			Recurring order lifecycle
//
//	@tag.name					Admin
//	@tag.description			Operator order management
//
//	@tag.name					Webhook
//	@tag.description			Payment gateway callbacks
package main
